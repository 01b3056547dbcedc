package app

import (
	"context"
	"fmt"
	"net/http"

	"marginalia/api/internal/store"
	"marginalia/api/internal/suggest"
	"marginalia/api/internal/util"
)

const suggestionBatch = 5

// RefreshSuggestions asks the suggestion provider for passages worth
// highlighting in one scope and stores them as pending.
func (s *Service) RefreshSuggestions(ctx context.Context, ownerID, documentID, chapterID string) (map[string]any, error) {
	if !s.suggest.Enabled() {
		return nil, domainError(http.StatusServiceUnavailable, "SUGGESTIONS_DISABLED",
			"no suggestion provider is configured", nil)
	}
	doc, sc, err := s.loadScope(ctx, ownerID, documentID, chapterID)
	if err != nil {
		return nil, err
	}
	projection := s.projectionFor(ctx, sc)
	stored, err := s.store.ListScopeHighlights(ctx, ownerID, documentID, chapterID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.suggest.Propose(ctx, suggest.Request{
		DocumentID: documentID,
		Title:      doc.Title,
		Text:       projection,
		Limit:      suggestionBatch,
	}, toEngineRecords(stored))
	if err != nil {
		return nil, fmt.Errorf("propose suggestions: %w", err)
	}

	items := make([]map[string]any, 0, len(candidates))
	for _, cand := range candidates {
		item := store.Suggestion{
			ID:         util.NewID("sug"),
			OwnerID:    ownerID,
			DocumentID: documentID,
			ChapterID:  chapterID,
			Text:       cand.Text,
			Reason:     cand.Reason,
			Status:     "pending",
		}
		if err := s.store.CreateSuggestion(ctx, item); err != nil {
			return nil, err
		}
		items = append(items, suggestionMap(item))
	}
	s.log.Info().
		Str("document_id", documentID).
		Int("count", len(items)).
		Msg("suggestions refreshed")
	return map[string]any{"documentId": documentID, "suggestions": items}, nil
}

// ListDocumentSuggestions lists a document's suggestions, optionally filtered
// by status.
func (s *Service) ListDocumentSuggestions(ctx context.Context, ownerID, documentID, status string) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, ownerID, documentID); err != nil {
		return nil, err
	}
	items, err := s.store.ListSuggestions(ctx, ownerID, documentID, status)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(items))
	for _, item := range items {
		list = append(list, suggestionMap(item))
	}
	return map[string]any{"documentId": documentID, "suggestions": list, "total": len(list)}, nil
}

// ResolveSuggestion accepts or dismisses one pending suggestion. Accepting
// routes the suggested text through the selection pipeline, so it lands as a
// regular highlight with full reconciliation; if the passage is meanwhile
// covered by an existing highlight the suggestion resolves as covered
// without mutating anything.
func (s *Service) ResolveSuggestion(ctx context.Context, ownerID, suggestionID string, accept bool) (map[string]any, error) {
	item, err := s.store.GetSuggestion(ctx, ownerID, suggestionID)
	if err != nil {
		return nil, err
	}
	if item.Status != "pending" {
		return nil, domainError(http.StatusConflict, "SUGGESTION_RESOLVED",
			"suggestion is already "+item.Status, nil)
	}

	if !accept {
		if err := s.store.UpdateSuggestionStatus(ctx, ownerID, suggestionID, "dismissed"); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.RecordSuggest("dismissed")
		}
		return map[string]any{"ok": true, "id": suggestionID, "status": "dismissed"}, nil
	}

	payload, err := s.ApplySelection(ctx, ownerID, item.DocumentID, SelectionInput{
		ChapterID: item.ChapterID,
		Text:      item.Text,
	})
	if err != nil {
		// A failed reconciliation leaves the suggestion pending; the
		// content may sync back into a state where it applies.
		return nil, err
	}
	status := "accepted"
	if payload["action"] == "alreadyHighlighted" {
		status = "covered"
	}
	if err := s.store.UpdateSuggestionStatus(ctx, ownerID, suggestionID, status); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordSuggest(status)
	}
	payload["ok"] = true
	payload["id"] = suggestionID
	payload["status"] = status
	return payload, nil
}

func suggestionMap(item store.Suggestion) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"documentId": item.DocumentID,
		"chapterId":  nilIfEmpty(item.ChapterID),
		"text":       item.Text,
		"reason":     item.Reason,
		"status":     item.Status,
		"createdAt":  item.CreatedAt,
	}
}

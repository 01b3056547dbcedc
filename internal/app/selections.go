package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marginalia/api/internal/events"
	"marginalia/api/internal/highlight"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// SelectionInput is a reader's text selection. LocalOffset disambiguates
// repeated text; PlainTextStart and PlainTextEnd are optional client hints
// that are trusted only after verification against the projection.
type SelectionInput struct {
	ChapterID      string `json:"chapterId,omitempty"`
	Text           string `json:"text"`
	LocalOffset    int    `json:"localOffset"`
	PlainTextStart *int   `json:"plainTextStart,omitempty"`
	PlainTextEnd   *int   `json:"plainTextEnd,omitempty"`
	Note           string `json:"note,omitempty"`
}

// ApplySelection reconciles a selection against the current content and
// applies the single mutation it resolves to: create, toggle-off, shrink,
// split or merge. The delete-and-create pair of a compound mutation commits
// in one transaction; cache, index and event side effects run after it.
func (s *Service) ApplySelection(ctx context.Context, ownerID, documentID string, input SelectionInput) (map[string]any, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, validationError("text is required", nil)
	}
	release, err := s.acquireMutation(ownerID, documentID, input.ChapterID)
	if err != nil {
		return nil, err
	}
	defer release()

	doc, sc, err := s.loadScope(ctx, ownerID, documentID, input.ChapterID)
	if err != nil {
		return nil, err
	}
	projection := s.projectionFor(ctx, sc)

	start, end, located := 0, 0, false
	if input.PlainTextStart != nil && input.PlainTextEnd != nil {
		if highlight.Verify(projection, *input.PlainTextStart, *input.PlainTextEnd, input.Text) {
			start, end, located = *input.PlainTextStart, *input.PlainTextEnd, true
		}
	}
	if !located {
		start, end, err = highlight.Reconcile(input.Text, input.LocalOffset, projection)
		if err != nil {
			if s.metrics != nil {
				s.metrics.ReconcileFailuresTotal.Inc()
			}
			s.log.Warn().
				Str("document_id", documentID).
				Str("owner_id", ownerID).
				Msg("selection not found in current content")
			return nil, domainError(http.StatusUnprocessableEntity, "RECONCILIATION_FAILED",
				"the selected text was not found in the current content", nil)
		}
	}

	stored, err := s.store.ListScopeHighlights(ctx, ownerID, documentID, input.ChapterID)
	if err != nil {
		return nil, err
	}
	plan := highlight.PlanMutation(toEngineRecords(stored), highlight.Candidate{
		Text:  projection[start:end],
		Start: start,
		End:   end,
		Note:  input.Note,
	}, projection)

	if plan.Action == highlight.ActionAlreadyHighlighted {
		payload := map[string]any{
			"action":  "alreadyHighlighted",
			"removed": []string{},
			"created": []map[string]any{},
		}
		if plan.Matched != nil {
			for _, item := range stored {
				if item.ID == plan.Matched.ID {
					payload["highlight"] = highlightMap(item)
					break
				}
			}
		}
		return payload, nil
	}

	created := make([]store.Highlight, 0, len(plan.Create))
	for _, record := range plan.Create {
		created = append(created, store.Highlight{
			ID:         util.NewID("hl"),
			OwnerID:    ownerID,
			DocumentID: documentID,
			ChapterID:  input.ChapterID,
			Text:       record.Text,
			StartPos:   record.Start,
			EndPos:     record.End,
			Note:       record.Note,
			Revision:   sc.revision,
		})
	}
	if err := s.store.ReplaceHighlights(ctx, ownerID, plan.DeleteIDs, created); err != nil {
		return nil, fmt.Errorf("apply %s: %w", plan.Action, err)
	}

	s.afterMutation(ctx, ownerID, doc, input.ChapterID, sc.revision, plan.DeleteIDs, created)
	action := responseAction(plan)
	if s.metrics != nil {
		s.metrics.RecordMutation(action)
	}
	s.log.LogMutation(documentID, action, len(plan.DeleteIDs), len(created))

	createdItems := make([]map[string]any, 0, len(created))
	for _, item := range created {
		createdItems = append(createdItems, highlightMap(item))
	}
	payload := map[string]any{
		"action":  action,
		"removed": append([]string{}, plan.DeleteIDs...),
		"created": createdItems,
	}
	if len(created) == 1 {
		payload["highlight"] = highlightMap(created[0])
	}
	return payload, nil
}

// responseAction names the applied mutation from the reader's point of view.
// A shrink or split that creates nothing removed the selection outright.
func responseAction(plan highlight.Plan) string {
	switch plan.Action {
	case highlight.ActionCreate:
		return "created"
	case highlight.ActionShrink:
		if len(plan.Create) == 0 {
			return "removed"
		}
		return "shrunk"
	case highlight.ActionSplit:
		if len(plan.Create) == 0 {
			return "removed"
		}
		return "split"
	case highlight.ActionMerge:
		return "merged"
	}
	return string(plan.Action)
}

// DeleteHighlight removes one highlight by id.
func (s *Service) DeleteHighlight(ctx context.Context, ownerID, highlightID string) (map[string]any, error) {
	item, err := s.store.GetHighlight(ctx, ownerID, highlightID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, ownerID, item.DocumentID)
	if err != nil {
		return nil, err
	}
	release, err := s.acquireMutation(ownerID, item.DocumentID, item.ChapterID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := s.store.DeleteHighlight(ctx, ownerID, highlightID); err != nil {
		return nil, err
	}

	// Invalidate the render cached under the current revision, not the one
	// the highlight was anchored to.
	revision := doc.Revision
	if item.ChapterID != "" {
		if chapter, err := s.store.GetChapter(ctx, item.DocumentID, item.ChapterID); err == nil {
			revision = chapter.Revision
		}
	}
	s.afterMutation(ctx, ownerID, doc, item.ChapterID, revision, []string{highlightID}, nil)
	if s.metrics != nil {
		s.metrics.RecordMutation("delete")
	}
	s.log.LogMutation(item.DocumentID, "delete", 1, 0)
	return map[string]any{"ok": true, "removed": []string{highlightID}}, nil
}

// afterMutation runs the side effects of a committed highlight change.
func (s *Service) afterMutation(ctx context.Context, ownerID string, doc store.Document, chapterID, revision string, deleted []string, created []store.Highlight) {
	if s.cache != nil {
		if err := s.cache.InvalidateRender(ctx, ownerID, doc.ID, chapterID, revision); err != nil {
			s.log.Warn().Err(err).Str("document_id", doc.ID).Msg("render cache invalidation failed")
		}
	}
	for _, id := range deleted {
		s.search.DeleteHighlight(id)
	}
	for _, item := range created {
		s.search.IndexHighlight(search.HighlightRecord{
			ID:            item.ID,
			OwnerID:       ownerID,
			DocumentID:    doc.ID,
			ChapterID:     chapterID,
			DocumentTitle: doc.Title,
			Text:          item.Text,
			Note:          item.Note,
		})
	}
	if s.events != nil {
		message := events.Message{
			DocumentID: doc.ID,
			ChapterID:  chapterID,
			Revision:   revision,
			Removed:    deleted,
		}
		for _, item := range created {
			message.Created = append(message.Created, item.ID)
		}
		switch {
		case len(deleted) == 0:
			message.Type = events.TypeHighlightCreated
		case len(created) == 0:
			message.Type = events.TypeHighlightDeleted
		default:
			message.Type = events.TypeHighlightReplaced
		}
		s.events.Broadcast(ownerID, message)
	}
	if s.metrics != nil {
		if count, err := s.store.CountHighlights(ctx); err == nil {
			s.metrics.HighlightsStored.Set(float64(count))
		}
	}
}

// DocumentHighlights lists a document's highlights, optionally narrowed to
// one chapter.
func (s *Service) DocumentHighlights(ctx context.Context, ownerID, documentID, chapterID string) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, ownerID, documentID); err != nil {
		return nil, err
	}
	var items []store.Highlight
	var err error
	if chapterID != "" {
		items, err = s.store.ListScopeHighlights(ctx, ownerID, documentID, chapterID)
	} else {
		items, err = s.store.ListHighlights(ctx, ownerID, documentID)
	}
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(items))
	for _, item := range items {
		list = append(list, highlightMap(item))
	}
	return map[string]any{"documentId": documentID, "highlights": list, "total": len(list)}, nil
}

// LibraryHighlights serves the cross-document highlight surface. Without a
// query it lists recent highlights; with one it runs the search backends,
// which understand the doc: and note: filter prefixes.
func (s *Service) LibraryHighlights(ctx context.Context, ownerID, rawQuery, filterType string, limit, offset int) (map[string]any, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if strings.TrimSpace(rawQuery) == "" {
		items, err := s.store.HighlightsCreatedSince(ctx, ownerID, time.Time{})
		if err != nil {
			return nil, err
		}
		total := len(items)
		// Stored order is oldest first; the listing reads newest first.
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
		if offset > len(items) {
			offset = len(items)
		}
		items = items[offset:]
		if len(items) > limit {
			items = items[:limit]
		}
		titles := s.documentTitles(ctx, ownerID)
		results := make([]search.Result, 0, len(items))
		for _, item := range items {
			results = append(results, search.Result{
				Type:       search.ResultHighlight,
				ID:         item.ID,
				Title:      titles[item.DocumentID],
				Snippet:    item.Text,
				Note:       item.Note,
				DocumentID: item.DocumentID,
				ChapterID:  item.ChapterID,
			})
		}
		return map[string]any{"results": results, "total": total, "query": ""}, nil
	}
	resp := s.search.Search(search.Query{
		OwnerID:    ownerID,
		Text:       rawQuery,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

func (s *Service) documentTitles(ctx context.Context, ownerID string) map[string]string {
	titles := make(map[string]string)
	entries, err := s.store.ListLibrary(ctx, ownerID)
	if err != nil {
		return titles
	}
	for _, entry := range entries {
		titles[entry.ID] = entry.Title
	}
	return titles
}

func highlightMap(item store.Highlight) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"documentId": item.DocumentID,
		"chapterId":  nilIfEmpty(item.ChapterID),
		"text":       item.Text,
		"start":      item.StartPos,
		"end":        item.EndPos,
		"note":       item.Note,
		"revision":   item.Revision,
		"createdAt":  item.CreatedAt,
	}
}

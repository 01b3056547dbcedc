package app

import (
	"context"
	"encoding/json"
	"time"

	"marginalia/api/internal/highlight"
)

// DocumentContent returns the content of one scope, with the reader's
// highlights rendered in unless withMarks is false. Rendered payloads are
// cached per (owner, scope, revision); the raw form is cheap enough to skip
// the cache.
func (s *Service) DocumentContent(ctx context.Context, ownerID, documentID, chapterID string, withMarks bool) (map[string]any, error) {
	started := time.Now()
	_, sc, err := s.loadScope(ctx, ownerID, documentID, chapterID)
	if err != nil {
		return nil, err
	}

	if !withMarks {
		return map[string]any{
			"documentId": documentID,
			"chapterId":  nilIfEmpty(chapterID),
			"revision":   sc.revision,
			"marks":      false,
			"content":    sc.content,
		}, nil
	}

	if s.cache != nil {
		raw, ok, err := s.cache.GetRender(ctx, ownerID, documentID, chapterID, sc.revision)
		if err == nil && ok {
			var cached map[string]any
			if err := json.Unmarshal(raw, &cached); err == nil {
				s.recordCache("render", true)
				return cached, nil
			}
		}
		s.recordCache("render", false)
	}

	stored, err := s.store.ListScopeHighlights(ctx, ownerID, documentID, chapterID)
	if err != nil {
		return nil, err
	}
	marked, report := highlight.Render(sc.content, toEngineRecords(stored), sc.revision)
	if s.metrics != nil {
		s.metrics.RecordRender(report.ExactFallbacks, report.PatternFallbacks, len(report.Unrendered))
	}
	s.log.LogRender(documentID, report.ExactFallbacks+report.PatternFallbacks, len(report.Unrendered), time.Since(started))

	payload := map[string]any{
		"documentId": documentID,
		"chapterId":  nilIfEmpty(chapterID),
		"revision":   sc.revision,
		"marks":      true,
		"content":    marked,
		"unrendered": append([]string{}, report.Unrendered...),
	}
	if s.cache != nil {
		if raw, err := json.Marshal(payload); err == nil {
			if err := s.cache.SetRender(ctx, ownerID, documentID, chapterID, sc.revision, raw); err != nil {
				s.log.Warn().Err(err).Str("document_id", documentID).Msg("render cache write failed")
			}
		}
	}
	return payload, nil
}

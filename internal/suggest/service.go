package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"marginalia/api/internal/highlight"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/metrics"
)

// ErrDisabled is returned when no collaborator is configured.
var ErrDisabled = errors.New("suggestions not configured")

// generator produces raw candidates; satisfied by *Client.
type generator interface {
	Suggest(ctx context.Context, req Request) ([]Candidate, error)
}

// Service filters collaborator candidates against the reader's stored
// highlights.
type Service struct {
	gen     generator
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewService creates the suggestion service. A nil client disables the
// feature; met may be nil in tests.
func NewService(client *Client, log *logger.Logger, met *metrics.Metrics) *Service {
	s := &Service{log: log.Component("suggest"), metrics: met}
	if client != nil {
		s.gen = client
	}
	return s
}

// Enabled reports whether a collaborator is configured.
func (s *Service) Enabled() bool {
	return s.gen != nil
}

// Propose asks the collaborator for candidates over req.Text (the scope's
// projection) and drops the unusable ones: blank text, text that does not
// actually occur in the projection, and passages already covered by a stored
// highlight.
func (s *Service) Propose(ctx context.Context, req Request, stored []highlight.Record) ([]Candidate, error) {
	if s.gen == nil {
		return nil, ErrDisabled
	}

	raw, err := s.gen.Suggest(ctx, req)
	if err != nil {
		s.record("error")
		return nil, fmt.Errorf("suggest: %w", err)
	}

	kept := make([]Candidate, 0, len(raw))
	for _, cand := range raw {
		text := strings.TrimSpace(cand.Text)
		if text == "" {
			continue
		}
		if len(highlight.Occurrences(req.Text, text)) == 0 {
			continue
		}
		if highlight.Covered(stored, text) {
			continue
		}
		cand.Text = text
		kept = append(kept, cand)
	}

	s.record("ok")
	s.log.Debug().
		Str("document_id", req.DocumentID).
		Int("raw", len(raw)).
		Int("kept", len(kept)).
		Msg("candidates filtered")
	return kept, nil
}

func (s *Service) record(status string) {
	if s.metrics != nil {
		s.metrics.RecordSuggest(status)
	}
}

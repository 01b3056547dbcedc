package search

import (
	"context"

	"marginalia/api/internal/logger"
	"marginalia/api/internal/metrics"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili   *Meili
	pgfts   *PgFTS
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; met may be nil in tests.
func NewService(meili *Meili, pgfts *PgFTS, log *logger.Logger, met *metrics.Metrics) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log.Component("search"), metrics: met}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			s.recordBackend("meilisearch")
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	s.recordBackend("postgres")
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexHighlight indexes a highlight (fire-and-forget to Meilisearch).
func (s *Service) IndexHighlight(h HighlightRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexHighlight(h); err != nil {
			s.log.Warn().Err(err).Str("highlight_id", h.ID).Msg("index highlight")
		}
	}()
}

// IndexDocument indexes a library document (fire-and-forget to Meilisearch).
func (s *Service) IndexDocument(d DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(d); err != nil {
			s.log.Warn().Err(err).Str("document_id", d.ID).Msg("index document")
		}
	}()
}

// DeleteHighlight removes a highlight from the search index (fire-and-forget).
func (s *Service) DeleteHighlight(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteHighlight(id); err != nil {
			s.log.Warn().Err(err).Str("highlight_id", id).Msg("delete highlight from index")
		}
	}()
}

// DeleteDocument removes a library document from the search index
// (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			s.log.Warn().Err(err).Str("document_id", id).Msg("delete document from index")
		}
	}()
}

// ReindexAll pushes the given records into Meilisearch in bulk.
func (s *Service) ReindexAll(highlights []HighlightRecord, documents []DocumentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(highlights) > 0 {
		if err := s.meili.IndexHighlights(highlights); err != nil {
			s.log.Warn().Err(err).Msg("reindex highlights")
		}
	}
	if len(documents) > 0 {
		if err := s.meili.IndexDocuments(documents); err != nil {
			s.log.Warn().Err(err).Msg("reindex documents")
		}
	}
}

// ReindexAllFromPG reindexes all searchable records from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	highlights, documents, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	s.ReindexAll(highlights, documents)
}

func (s *Service) recordBackend(backend string) {
	if s.metrics != nil {
		s.metrics.RecordSearch(backend)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

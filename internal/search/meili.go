package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"marginalia/api/internal/logger"
)

const (
	idxHighlights = "marginalia_highlights"
	idxDocuments  = "marginalia_documents"

	// docFilterLimit caps how many documents a doc: filter can resolve to.
	docFilterLimit = 25
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The client
// starts unhealthy if the initial connection fails; a background monitor
// flips it back when the server recovers.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log.Component("meilisearch"),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable, search falls back to postgres")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxHighlights,
			primaryKey: "id",
			filterable: []string{"ownerId", "documentId", "chapterId"},
			searchable: []string{"text", "note", "documentTitle"},
		},
		{
			uid:        idxDocuments,
			primaryKey: "id",
			filterable: []string{"ownerId"},
			searchable: []string{"title", "author"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			m.log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the highlight and document indexes and merges results.
// Every request is filtered to the querying owner.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	parsed := ParseQuery(q.Text)
	if parsed.Empty() {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	// A doc: filter narrows highlight hits to documents whose title
	// matches. No matching documents means no results at all.
	var docIDs []string
	if parsed.Doc != "" {
		ids, err := m.matchingDocumentIDs(q.OwnerID, parsed.Doc)
		if err != nil {
			m.healthy.Store(false)
			return nil, 0, fmt.Errorf("meilisearch resolve doc filter: %w", err)
		}
		if len(ids) == 0 {
			return nil, 0, nil
		}
		docIDs = ids
	}

	queryText := parsed.QueryText()
	var queries []*meili.SearchRequest

	if q.FilterType == "" || q.FilterType == ResultHighlight {
		sr := &meili.SearchRequest{
			IndexUID:              idxHighlights,
			Query:                 queryText,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if parsed.NotesOnly() {
			sr.AttributesToSearchOn = []string{"note"}
		}

		filters := []string{fmt.Sprintf("ownerId = %q", q.OwnerID)}
		if q.FilterDocumentID != "" {
			filters = append(filters, fmt.Sprintf("documentId = %q", q.FilterDocumentID))
		}
		if len(docIDs) > 0 {
			filters = append(filters, inFilter("documentId", docIDs))
		}
		sr.Filter = filters
		queries = append(queries, sr)
	}

	// Document hits are noise when the query targets notes or is already
	// scoped to a single document.
	if (q.FilterType == "" || q.FilterType == ResultDocument) &&
		!parsed.NotesOnly() && q.FilterDocumentID == "" {
		sr := &meili.SearchRequest{
			IndexUID:              idxDocuments,
			Query:                 joinNonEmpty(queryText, parsed.Doc),
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
			Filter:                []string{fmt.Sprintf("ownerId = %q", q.OwnerID)},
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func (m *Meili) matchingDocumentIDs(ownerID, title string) ([]string, error) {
	resp, err := m.client.Index(idxDocuments).Search(title, &meili.SearchRequest{
		Limit:                docFilterLimit,
		Filter:               fmt.Sprintf("ownerId = %q", ownerID),
		AttributesToSearchOn: []string{"title"},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if id := decodeString(hit, "id"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func inFilter(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return fmt.Sprintf("%s IN [%s]", field, strings.Join(quoted, ", "))
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxHighlights:
		return ResultHighlight
	case idxDocuments:
		return ResultDocument
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")

	switch rtyp {
	case ResultHighlight:
		r.DocumentID = decodeString(hit, "documentId")
		r.ChapterID = decodeString(hit, "chapterId")
		r.Title = decodeString(hit, "documentTitle")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text"))
		r.Note = firstNonBlank(decodeFormattedString(hit, "note"), decodeString(hit, "note"))
	case ResultDocument:
		r.DocumentID = r.ID
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "author"), decodeString(hit, "author"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexHighlight adds or updates a highlight in the search index.
func (m *Meili) IndexHighlight(h HighlightRecord) error {
	_, err := m.client.Index(idxHighlights).AddDocuments([]HighlightRecord{h}, nil)
	return err
}

// IndexDocument adds or updates a library document in the search index.
func (m *Meili) IndexDocument(d DocumentRecord) error {
	_, err := m.client.Index(idxDocuments).AddDocuments([]DocumentRecord{d}, nil)
	return err
}

// DeleteHighlight removes a highlight from the search index.
func (m *Meili) DeleteHighlight(id string) error {
	_, err := m.client.Index(idxHighlights).DeleteDocument(id, nil)
	return err
}

// DeleteDocument removes a library document from the search index.
func (m *Meili) DeleteDocument(id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	return err
}

// IndexHighlights bulk-indexes highlights.
func (m *Meili) IndexHighlights(highlights []HighlightRecord) error {
	if len(highlights) == 0 {
		return nil
	}
	_, err := m.client.Index(idxHighlights).AddDocuments(highlights, nil)
	return err
}

// IndexDocuments bulk-indexes library documents.
func (m *Meili) IndexDocuments(documents []DocumentRecord) error {
	if len(documents) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).AddDocuments(documents, nil)
	return err
}

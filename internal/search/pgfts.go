package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const headlineOpts = "'StartSel=<mark>, StopSel=</mark>, MaxFragments=1, MaxWords=30'"

// Search executes a UNION ALL query across highlights and documents using
// websearch_to_tsquery (which honors quoted phrases) and ts_rank, with
// ts_headline for snippets. Everything is scoped to the querying owner.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	parsed := ParseQuery(q.Text)
	if parsed.Empty() {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.OwnerID}
	argN := 2

	queryText := parsed.QueryText()
	tsQuery := ""
	if queryText != "" {
		tsQuery = fmt.Sprintf("websearch_to_tsquery('english', $%d)", argN)
		args = append(args, queryText)
		argN++
	}

	var subQueries []string

	// Highlights sub-query
	if q.FilterType == "" || q.FilterType == ResultHighlight {
		vector := "to_tsvector('english', h.text || ' ' || h.note)"
		source := "h.text"
		if parsed.NotesOnly() {
			vector = "to_tsvector('english', h.note)"
			source = "h.note"
		}

		conds := []string{"h.owner_id = $1"}
		if tsQuery != "" {
			conds = append(conds, vector+" @@ "+tsQuery)
		}
		if q.FilterDocumentID != "" {
			conds = append(conds, fmt.Sprintf("h.document_id = $%d", argN))
			args = append(args, q.FilterDocumentID)
			argN++
		}
		if parsed.Doc != "" {
			conds = append(conds, fmt.Sprintf("d.title ILIKE '%%' || $%d || '%%'", argN))
			args = append(args, parsed.Doc)
			argN++
		}

		rank := "0::real"
		snippet := "left(" + source + ", 200)"
		if tsQuery != "" {
			rank = fmt.Sprintf("ts_rank(%s, %s)", vector, tsQuery)
			snippet = fmt.Sprintf("ts_headline('english', %s, %s, %s)", source, tsQuery, headlineOpts)
		}

		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'highlight'::text AS type, h.id, d.title,
				%s AS snippet,
				h.note, h.document_id, h.chapter_id,
				%s AS rank
			FROM highlights h
			JOIN documents d ON d.id = h.document_id
			WHERE %s`, snippet, rank, strings.Join(conds, " AND ")))
	}

	// Documents sub-query, skipped when the query targets notes or is
	// already scoped to a single document.
	if (q.FilterType == "" || q.FilterType == ResultDocument) &&
		!parsed.NotesOnly() && q.FilterDocumentID == "" {
		vector := "to_tsvector('english', d.title || ' ' || d.author)"

		conds := []string{"d.owner_id = $1"}
		if tsQuery != "" {
			conds = append(conds, vector+" @@ "+tsQuery)
		}
		if parsed.Doc != "" {
			conds = append(conds, fmt.Sprintf("d.title ILIKE '%%' || $%d || '%%'", argN))
			args = append(args, parsed.Doc)
			argN++
		}

		rank := "0::real"
		snippet := "d.author"
		if tsQuery != "" {
			rank = fmt.Sprintf("ts_rank(%s, %s)", vector, tsQuery)
			snippet = fmt.Sprintf("ts_headline('english', d.title || ' ' || d.author, %s, %s)", tsQuery, headlineOpts)
		}

		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				%s AS snippet,
				''::text AS note, d.id AS document_id, ''::text AS chapter_id,
				%s AS rank
			FROM documents d
			WHERE %s`, snippet, rank, strings.Join(conds, " AND ")))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, note, document_id, chapter_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Note, &r.DocumentID, &r.ChapterID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]HighlightRecord, []DocumentRecord, error) {
	hlRows, err := p.db.QueryContext(ctx, `
		SELECT h.id, h.owner_id, h.document_id, h.chapter_id, d.title, h.text, h.note
		FROM highlights h
		JOIN documents d ON d.id = h.document_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load highlights: %w", err)
	}
	defer hlRows.Close()

	highlights := make([]HighlightRecord, 0)
	for hlRows.Next() {
		var h HighlightRecord
		if err := hlRows.Scan(&h.ID, &h.OwnerID, &h.DocumentID, &h.ChapterID, &h.DocumentTitle, &h.Text, &h.Note); err != nil {
			return nil, nil, fmt.Errorf("scan highlight: %w", err)
		}
		highlights = append(highlights, h)
	}
	if err := hlRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate highlights: %w", err)
	}

	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, title, author
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Author); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	return highlights, documents, nil
}

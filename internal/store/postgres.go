package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marginalia/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureReaderByName(ctx context.Context, name string) (Reader, error) {
	const findReader = `SELECT id, display_name, email, digest_opt_in, created_at FROM readers WHERE display_name = $1`
	var reader Reader
	err := s.db.QueryRowContext(ctx, findReader, name).Scan(&reader.ID, &reader.DisplayName, &reader.Email, &reader.DigestOptIn, &reader.CreatedAt)
	if err == nil {
		return reader, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Reader{}, fmt.Errorf("lookup reader: %w", err)
	}

	insertReader := `
		INSERT INTO readers (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.marginalia.dev'))
		RETURNING id, display_name, email, digest_opt_in, created_at
	`
	id := util.NewID("rdr")
	if err := s.db.QueryRowContext(ctx, insertReader, id, name).Scan(&reader.ID, &reader.DisplayName, &reader.Email, &reader.DigestOptIn, &reader.CreatedAt); err != nil {
		return Reader{}, fmt.Errorf("insert reader: %w", err)
	}
	return reader, nil
}

func (s *PostgresStore) GetReader(ctx context.Context, readerID string) (Reader, error) {
	var reader Reader
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, digest_opt_in, created_at FROM readers WHERE id=$1
	`, readerID).Scan(&reader.ID, &reader.DisplayName, &reader.Email, &reader.DigestOptIn, &reader.CreatedAt)
	if err != nil {
		return Reader{}, err
	}
	return reader, nil
}

func (s *PostgresStore) UpsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, author, source, language, revision, word_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET title=EXCLUDED.title, author=EXCLUDED.author, source=EXCLUDED.source,
			language=EXCLUDED.language, revision=EXCLUDED.revision,
			word_count=EXCLUDED.word_count, updated_at=NOW()
	`, item.ID, item.OwnerID, item.Title, item.Author, item.Source, item.Language, item.Revision, item.WordCount)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, ownerID, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, author, source, language, revision, word_count, created_at, updated_at
		FROM documents
		WHERE id=$1 AND owner_id=$2
	`, documentID, ownerID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.Author, &item.Source,
		&item.Language, &item.Revision, &item.WordCount, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListLibrary(ctx context.Context, ownerID string) ([]LibraryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.owner_id, d.title, d.author, d.source, d.language, d.revision,
			d.word_count, d.created_at, d.updated_at,
			(SELECT COUNT(*) FROM chapters c WHERE c.document_id = d.id),
			(SELECT COUNT(*) FROM highlights h WHERE h.document_id = d.id AND h.owner_id = d.owner_id)
		FROM documents d
		WHERE d.owner_id=$1
		ORDER BY d.updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}
	defer rows.Close()

	items := make([]LibraryEntry, 0)
	for rows.Next() {
		var item LibraryEntry
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.Author, &item.Source,
			&item.Language, &item.Revision, &item.WordCount, &item.CreatedAt, &item.UpdatedAt,
			&item.ChapterCount, &item.HighlightCount); err != nil {
			return nil, fmt.Errorf("scan library entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library: %w", err)
	}
	return items, nil
}

// ReplaceChapters swaps a document's chapter list in one transaction.
// Highlights are keyed by stable chapter ids and survive the swap.
func (s *PostgresStore) ReplaceChapters(ctx context.Context, documentID string, chapters []Chapter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace chapters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE document_id=$1`, documentID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear chapters: %w", err)
	}
	for _, item := range chapters {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chapters (id, document_id, title, sort_order, revision, word_count)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, item.ID, documentID, item.Title, item.SortOrder, item.Revision, item.WordCount); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert chapter %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace chapters: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChapters(ctx context.Context, documentID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, title, sort_order, revision, word_count, updated_at
		FROM chapters
		WHERE document_id=$1
		ORDER BY sort_order
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		var item Chapter
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Title, &item.SortOrder,
			&item.Revision, &item.WordCount, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChapter(ctx context.Context, documentID, chapterID string) (Chapter, error) {
	var item Chapter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, title, sort_order, revision, word_count, updated_at
		FROM chapters
		WHERE id=$1 AND document_id=$2
	`, chapterID, documentID).Scan(&item.ID, &item.DocumentID, &item.Title, &item.SortOrder,
		&item.Revision, &item.WordCount, &item.UpdatedAt)
	if err != nil {
		return Chapter{}, err
	}
	return item, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx; the highlight primitives
// run against either, standalone or inside ReplaceHighlights.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertHighlight(ctx context.Context, db execer, item Highlight) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO highlights (id, owner_id, document_id, chapter_id, text, start_pos, end_pos, note, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.OwnerID, item.DocumentID, item.ChapterID, item.Text,
		item.StartPos, item.EndPos, item.Note, item.Revision)
	if err != nil {
		return fmt.Errorf("insert highlight %s: %w", item.ID, err)
	}
	return nil
}

func deleteHighlightRow(ctx context.Context, db execer, ownerID, highlightID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM highlights WHERE id=$1 AND owner_id=$2`, highlightID, ownerID)
	if err != nil {
		return fmt.Errorf("delete highlight %s: %w", highlightID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete highlight %s result: %w", highlightID, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete highlight %s: %w", highlightID, sql.ErrNoRows)
	}
	return nil
}

func (s *PostgresStore) CreateHighlight(ctx context.Context, item Highlight) error {
	return insertHighlight(ctx, s.db, item)
}

func (s *PostgresStore) DeleteHighlight(ctx context.Context, ownerID, highlightID string) error {
	return deleteHighlightRow(ctx, s.db, ownerID, highlightID)
}

// ReplaceHighlights applies one mutation plan atomically: every delete must
// land before any replacement row becomes visible. A delete that matches no
// row aborts the whole swap.
func (s *PostgresStore) ReplaceHighlights(ctx context.Context, ownerID string, deleteIDs []string, create []Highlight) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace highlights: %w", err)
	}

	for _, id := range deleteIDs {
		if err := deleteHighlightRow(ctx, tx, ownerID, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, item := range create {
		if err := insertHighlight(ctx, tx, item); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace highlights: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHighlight(ctx context.Context, ownerID, highlightID string) (Highlight, error) {
	var item Highlight
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, document_id, chapter_id, text, start_pos, end_pos, note, revision, created_at
		FROM highlights
		WHERE id=$1 AND owner_id=$2
	`, highlightID, ownerID).Scan(&item.ID, &item.OwnerID, &item.DocumentID, &item.ChapterID,
		&item.Text, &item.StartPos, &item.EndPos, &item.Note, &item.Revision, &item.CreatedAt)
	if err != nil {
		return Highlight{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListHighlights(ctx context.Context, ownerID, documentID string) ([]Highlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, document_id, chapter_id, text, start_pos, end_pos, note, revision, created_at
		FROM highlights
		WHERE owner_id=$1 AND document_id=$2
		ORDER BY chapter_id, start_pos, created_at
	`, ownerID, documentID)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}
	defer rows.Close()
	return scanHighlights(rows)
}

// ListScopeHighlights lists the highlights of one mutation scope: a chapter,
// or the single body when chapterID is empty.
func (s *PostgresStore) ListScopeHighlights(ctx context.Context, ownerID, documentID, chapterID string) ([]Highlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, document_id, chapter_id, text, start_pos, end_pos, note, revision, created_at
		FROM highlights
		WHERE owner_id=$1 AND document_id=$2 AND chapter_id=$3
		ORDER BY start_pos, created_at
	`, ownerID, documentID, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list scope highlights: %w", err)
	}
	defer rows.Close()
	return scanHighlights(rows)
}

func scanHighlights(rows *sql.Rows) ([]Highlight, error) {
	items := make([]Highlight, 0)
	for rows.Next() {
		var item Highlight
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.DocumentID, &item.ChapterID,
			&item.Text, &item.StartPos, &item.EndPos, &item.Note, &item.Revision, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate highlights: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountHighlights(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM highlights`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count highlights: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context, ownerID string) (SummaryCounts, error) {
	var counts SummaryCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents WHERE owner_id=$1),
			(SELECT COUNT(*) FROM chapters c JOIN documents d ON d.id = c.document_id WHERE d.owner_id=$1),
			(SELECT COUNT(*) FROM highlights WHERE owner_id=$1),
			(SELECT COUNT(*) FROM highlights WHERE owner_id=$1 AND note <> '')
	`, ownerID).Scan(&counts.Documents, &counts.Chapters, &counts.Highlights, &counts.Notes)
	if err != nil {
		return SummaryCounts{}, fmt.Errorf("summary counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) CreateSuggestion(ctx context.Context, item Suggestion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, owner_id, document_id, chapter_id, text, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.OwnerID, item.DocumentID, item.ChapterID, item.Text, item.Reason, item.Status)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, ownerID, suggestionID string) (Suggestion, error) {
	var item Suggestion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, document_id, chapter_id, text, reason, status, created_at
		FROM suggestions
		WHERE id=$1 AND owner_id=$2
	`, suggestionID, ownerID).Scan(&item.ID, &item.OwnerID, &item.DocumentID, &item.ChapterID,
		&item.Text, &item.Reason, &item.Status, &item.CreatedAt)
	if err != nil {
		return Suggestion{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, ownerID, documentID, status string) ([]Suggestion, error) {
	query := `
		SELECT id, owner_id, document_id, chapter_id, text, reason, status, created_at
		FROM suggestions
		WHERE owner_id=$1 AND document_id=$2
		ORDER BY created_at DESC
	`
	args := []any{ownerID, documentID}
	if status != "" {
		query = `
			SELECT id, owner_id, document_id, chapter_id, text, reason, status, created_at
			FROM suggestions
			WHERE owner_id=$1 AND document_id=$2 AND status=$3
			ORDER BY created_at DESC
		`
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]Suggestion, 0)
	for rows.Next() {
		var item Suggestion
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.DocumentID, &item.ChapterID,
			&item.Text, &item.Reason, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateSuggestionStatus(ctx context.Context, ownerID, suggestionID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE suggestions SET status=$3 WHERE id=$1 AND owner_id=$2
	`, suggestionID, ownerID, status)
	if err != nil {
		return fmt.Errorf("update suggestion status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update suggestion result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CreateShareLink(ctx context.Context, item ShareLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (id, owner_id, document_id, token_hash, pass_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.OwnerID, item.DocumentID, item.TokenHash, item.PassHash, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShareLinkByTokenHash(ctx context.Context, tokenHash string) (ShareLink, error) {
	var item ShareLink
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, document_id, token_hash, pass_hash, expires_at, revoked_at, access_count, created_at
		FROM share_links
		WHERE token_hash=$1
	`, tokenHash).Scan(&item.ID, &item.OwnerID, &item.DocumentID, &item.TokenHash, &item.PassHash,
		&item.ExpiresAt, &item.RevokedAt, &item.AccessCount, &item.CreatedAt)
	if err != nil {
		return ShareLink{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListShareLinks(ctx context.Context, ownerID string) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, document_id, token_hash, pass_hash, expires_at, revoked_at, access_count, created_at
		FROM share_links
		WHERE owner_id=$1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	items := make([]ShareLink, 0)
	for rows.Next() {
		var item ShareLink
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.DocumentID, &item.TokenHash, &item.PassHash,
			&item.ExpiresAt, &item.RevokedAt, &item.AccessCount, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share links: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokeShareLink(ctx context.Context, ownerID, shareID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET revoked_at=NOW() WHERE id=$1 AND owner_id=$2 AND revoked_at IS NULL
	`, shareID, ownerID)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke share link result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) RecordShareAccess(ctx context.Context, shareID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE share_links SET access_count = access_count + 1 WHERE id=$1
	`, shareID)
	if err != nil {
		return fmt.Errorf("record share access: %w", err)
	}
	return nil
}

// HighlightsCreatedSince lists a reader's highlights created after the given
// time, for digest email assembly.
func (s *PostgresStore) HighlightsCreatedSince(ctx context.Context, ownerID string, since time.Time) ([]Highlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, document_id, chapter_id, text, start_pos, end_pos, note, revision, created_at
		FROM highlights
		WHERE owner_id=$1 AND created_at > $2
		ORDER BY created_at
	`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("list recent highlights: %w", err)
	}
	defer rows.Close()
	return scanHighlights(rows)
}

func (s *PostgresStore) ListReaders(ctx context.Context) ([]Reader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, digest_opt_in, created_at FROM readers ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	defer rows.Close()

	items := make([]Reader, 0)
	for rows.Next() {
		var item Reader
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Email, &item.DigestOptIn, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reader: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readers: %w", err)
	}
	return items, nil
}

// SetDigestOptIn flips a reader's digest subscription.
func (s *PostgresStore) SetDigestOptIn(ctx context.Context, readerID string, optIn bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE readers SET digest_opt_in=$2 WHERE id=$1
	`, readerID, optIn)
	if err != nil {
		return fmt.Errorf("set digest opt-in: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

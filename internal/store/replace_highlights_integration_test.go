package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"marginalia/api/internal/util"
)

// TestReplaceHighlightsAtomicity verifies the delete-then-create swap: a
// delete that matches no row aborts the transaction and no replacement row
// becomes visible.
func TestReplaceHighlightsAtomicity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dsn := strings.TrimSpace(os.Getenv("MARGINALIA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MARGINALIA_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)

	reader, err := s.EnsureReaderByName(ctx, "integration tester")
	if err != nil {
		t.Fatalf("ensure reader: %v", err)
	}

	doc := Document{
		ID:       util.NewID("doc"),
		OwnerID:  reader.ID,
		Title:    "Replace Highlights Test",
		Revision: "rev1",
	}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("upsert document: %v", err)
	}

	first := Highlight{
		ID: util.NewID("hl"), OwnerID: reader.ID, DocumentID: doc.ID,
		Text: "the quick", StartPos: 0, EndPos: 9, Revision: "rev1",
	}
	second := Highlight{
		ID: util.NewID("hl"), OwnerID: reader.ID, DocumentID: doc.ID,
		Text: "fox jumps", StartPos: 16, EndPos: 25, Revision: "rev1",
	}
	for _, item := range []Highlight{first, second} {
		if err := s.CreateHighlight(ctx, item); err != nil {
			t.Fatalf("create highlight: %v", err)
		}
	}

	merged := Highlight{
		ID: util.NewID("hl"), OwnerID: reader.ID, DocumentID: doc.ID,
		Text: "the quick brown fox jumps", StartPos: 0, EndPos: 25, Revision: "rev1",
	}

	t.Run("missing delete aborts the swap", func(t *testing.T) {
		err := s.ReplaceHighlights(ctx, reader.ID, []string{first.ID, "hl_missing"}, []Highlight{merged})
		if err == nil {
			t.Fatal("expected replace to fail")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected ErrNoRows, got: %v", err)
		}

		items, err := s.ListHighlights(ctx, reader.ID, doc.ID)
		if err != nil {
			t.Fatalf("list highlights: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected both originals to survive, got %d rows", len(items))
		}
	})

	t.Run("swap applies deletes and creates together", func(t *testing.T) {
		if err := s.ReplaceHighlights(ctx, reader.ID, []string{first.ID, second.ID}, []Highlight{merged}); err != nil {
			t.Fatalf("replace highlights: %v", err)
		}

		items, err := s.ListHighlights(ctx, reader.ID, doc.ID)
		if err != nil {
			t.Fatalf("list highlights: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("expected one merged row, got %d", len(items))
		}
		if items[0].ID != merged.ID || items[0].Text != merged.Text {
			t.Fatalf("unexpected surviving row: %+v", items[0])
		}
	})
}

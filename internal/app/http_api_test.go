package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marginalia/api/internal/share"
	"marginalia/api/internal/store"
)

func TestSelectionOverHTTP(t *testing.T) {
	fs := &fakeStore{}
	fc := &fakeContent{}
	readerStore(fs)
	singleBodyFixture(fs, fc, "We left the harbor at dawn.")
	var stored []store.Highlight
	fs.replaceHighlightsFn = func(ctx context.Context, ownerID string, deleteIDs []string, create []store.Highlight) error {
		stored = append(stored, create...)
		return nil
	}
	fs.listHighlightsFn = func(ctx context.Context, ownerID, documentID string) ([]store.Highlight, error) {
		return stored, nil
	}
	handler := newTestHTTPServer(newTestService(testDeps{store: fs, content: fc})).Handler()
	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/selections",
		strings.NewReader(`{"text":"harbor","note":"departure"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("selection status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResponse(t, rec)
	if body["action"] != "created" {
		t.Fatalf("action %v", body["action"])
	}
	created := body["highlight"].(map[string]any)
	if created["note"] != "departure" {
		t.Errorf("highlight %+v", created)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/highlights", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("listing status = %d", rec.Code)
	}
	listing := decodeResponse(t, rec)
	if listing["total"] != float64(1) {
		t.Errorf("listing %+v", listing)
	}
}

func TestSelectionValidationOverHTTP(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	handler := newTestHTTPServer(newTestService(testDeps{store: fs})).Handler()
	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/selections", strings.NewReader(`{"text":"  "}`))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if body := decodeResponse(t, rec); body["code"] != "VALIDATION_ERROR" {
		t.Errorf("body %+v", body)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/selections", strings.NewReader(`{not json`))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUnknownDocument404(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	handler := newTestHTTPServer(newTestService(testDeps{store: fs})).Handler()
	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeResponse(t, rec); body["code"] != "NOT_FOUND" {
		t.Errorf("body %+v", body)
	}
}

func TestShareLifecycleOverHTTP(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	fs.getDocumentFn = func(ctx context.Context, ownerID, documentID string) (store.Document, error) {
		return store.Document{ID: documentID, OwnerID: ownerID, Title: "Voyage Notes"}, nil
	}
	fs.listHighlightsFn = func(ctx context.Context, ownerID, documentID string) ([]store.Highlight, error) {
		return []store.Highlight{{ID: "hl_1", DocumentID: documentID, Text: "the harbor"}}, nil
	}
	fshares := &fakeShares{}
	fshares.resolveFn = func(ctx context.Context, token, passphrase string) (store.ShareLink, error) {
		switch token {
		case "token-1":
			return store.ShareLink{ID: "shr_1", OwnerID: "reader-1", DocumentID: "doc-1"}, nil
		case "token-locked":
			if passphrase == "" {
				return store.ShareLink{}, share.ErrPassphraseRequired
			}
			return store.ShareLink{}, share.ErrPassphraseMismatch
		case "token-gone":
			return store.ShareLink{}, share.ErrRevoked
		}
		return store.ShareLink{}, share.ErrNotFound
	}
	handler := newTestHTTPServer(newTestService(testDeps{store: fs, shares: fshares})).Handler()
	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/shares", strings.NewReader(`{"documentId":"doc-1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeResponse(t, rec); body["token"] != "token-1" {
		t.Errorf("create body %+v", body)
	}

	// The public view needs no session.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/share/token-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("public view status = %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeResponse(t, rec)
	doc := view["document"].(map[string]any)
	if doc["title"] != "Voyage Notes" {
		t.Errorf("view %+v", view)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/share/token-locked", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("locked status = %d, want 401", rec.Code)
	}
	if body := decodeResponse(t, rec); body["code"] != "PASSPHRASE_REQUIRED" {
		t.Errorf("locked body %+v", body)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/share/token-locked", nil)
	req.Header.Set("x-share-passphrase", "wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("mismatch status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/share/token-gone", nil))
	if rec.Code != http.StatusGone {
		t.Errorf("revoked status = %d, want 410", rec.Code)
	}
}

func TestExportDownloadOverHTTP(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	handler := newTestHTTPServer(newTestService(testDeps{store: fs})).Handler()
	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/export?format=markdown", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="export.md"` {
		t.Errorf("disposition %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/markdown" {
		t.Errorf("content type %q", got)
	}
	if rec.Body.String() != "# export" {
		t.Errorf("body %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/export?format=vhs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad format status = %d, want 422", rec.Code)
	}
}

func TestLibraryExportOverHTTP(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	handler := newTestHTTPServer(newTestService(testDeps{store: fs})).Handler()
	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/library/export", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "library.tar.xz") {
		t.Errorf("disposition %q", got)
	}
}

func TestEventsEndpointWithoutHub(t *testing.T) {
	handler := newTestHTTPServer(newTestService(testDeps{})).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeResponse(t, rec); body["code"] != "EVENTS_DISABLED" {
		t.Errorf("body %+v", body)
	}
}

func TestDigestOptInOverHTTP(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	var gotOptIn bool
	fs.setDigestOptInFn = func(ctx context.Context, readerID string, optIn bool) error {
		gotOptIn = optIn
		return nil
	}
	handler := newTestHTTPServer(newTestService(testDeps{store: fs})).Handler()
	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/session/digest", strings.NewReader(`{"optIn":true}`))
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !gotOptIn {
		t.Error("opt-in was not stored")
	}
}

func TestIngestEndpointRequiresSyncToken(t *testing.T) {
	handler := newTestHTTPServer(newTestService(testDeps{})).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest/epub", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUnknownRoute404(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	handler := newTestHTTPServer(newTestService(testDeps{store: fs})).Handler()
	token := loginToken(t, handler, "Imogen")

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/nothing"},
		{http.MethodPost, "/api/documents"},
		{http.MethodGet, "/api/documents/doc-1/unknown"},
		{http.MethodPost, "/api/suggestions/sug_1/explode"},
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
}

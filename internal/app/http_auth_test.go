package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marginalia/api/internal/highlight"
	"marginalia/api/internal/store"
)

// readerStore wires the lookups a login round trip needs.
func readerStore(fs *fakeStore) {
	fs.getReaderFn = func(ctx context.Context, id string) (store.Reader, error) {
		return store.Reader{ID: id, DisplayName: "Imogen"}, nil
	}
}

func loginToken(t *testing.T, handler http.Handler, name string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/session/login", strings.NewReader(`{"name":"`+name+`"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeResponse(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestLoginAndWhoami(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	handler := newTestHTTPServer(newTestService(testDeps{store: fs})).Handler()

	token := loginToken(t, handler, "Imogen")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d", rec.Code)
	}
	body := decodeResponse(t, rec)
	if body["authenticated"] != true {
		t.Fatalf("body %+v", body)
	}
	reader := body["reader"].(map[string]any)
	if reader["name"] != "Imogen" {
		t.Errorf("reader %+v", reader)
	}
}

func TestWhoamiWithoutToken(t *testing.T) {
	handler := newTestHTTPServer(newTestService(testDeps{})).Handler()

	for _, header := range []string{"", "Bearer nonsense", "Basic abc"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d for header %q", rec.Code, header)
		}
		if body := decodeResponse(t, rec); body["authenticated"] != false {
			t.Errorf("header %q: body %+v", header, body)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestHTTPServer(newTestService(testDeps{})).Handler()

	paths := []string{"/api/documents", "/api/highlights", "/api/summary", "/api/shares"}
	for _, path := range paths {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, rec.Code)
		}
		if body := decodeResponse(t, rec); body["code"] != "UNAUTHORIZED" {
			t.Errorf("%s body %+v", path, body)
		}
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	fs := &fakeStore{}
	readerStore(fs)
	svc := newTestService(testDeps{store: fs})
	svc.cfg.AccessTTL = -time.Hour
	handler := newTestHTTPServer(svc).Handler()

	token := loginToken(t, handler, "Imogen")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSyncEndpointTokenGate(t *testing.T) {
	handler := newTestHTTPServer(newTestService(testDeps{})).Handler()

	body := `{"documentId":"doc-1","title":"T","body":` + contentJSON(t) + `}`

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/internal/content/sync", strings.NewReader(body))
	req.Header.Set("x-sync-token", "wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/internal/content/sync", strings.NewReader(body))
	req.Header.Set("x-sync-token", "sync-secret")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeResponse(t, rec); payload["ok"] != true {
		t.Errorf("payload %+v", payload)
	}
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	handler := newTestHTTPServer(newTestService(testDeps{})).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/documents", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow origin %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Errorf("allow headers %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func contentJSON(t *testing.T) string {
	t.Helper()
	raw, err := highlight.EncodeContent(highlight.Doc(highlight.Paragraph(highlight.TextNode("Rain all morning."))))
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	return string(raw)
}

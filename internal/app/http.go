package app

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/events"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/metrics"
)

// HTTPServer exposes the service over HTTP. All responses are JSON except
// export downloads and the websocket upgrade.
type HTTPServer struct {
	service    *Service
	hub        *events.Hub
	corsOrigin string
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// NewHTTPServer builds the HTTP layer. hub may be nil; the events endpoint
// then answers 503.
func NewHTTPServer(service *Service, hub *events.Hub, corsOrigin string, log *logger.Logger, met *metrics.Metrics) *HTTPServer {
	return &HTTPServer{
		service:    service,
		hub:        hub,
		corsOrigin: corsOrigin,
		log:        log.Component("http"),
		metrics:    met,
	}
}

// Handler returns the routed handler wrapped in request middleware.
func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.route))
}

func (s *HTTPServer) route(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	path := r.URL.Path
	isGet := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case path == "/api/health" && isGet:
		s.handleHealth(w, r)
	case path == "/api/ready" && isGet:
		s.handleReady(w, r)
	case path == "/api/session/login" && r.Method == http.MethodPost:
		s.handleLogin(w, r)
	case path == "/api/session" && r.Method == http.MethodGet:
		s.handleSession(w, r)
	case path == "/api/internal/content/sync" && r.Method == http.MethodPost:
		s.handleContentSync(w, r)
	case path == "/api/ingest/epub" && r.Method == http.MethodPost:
		s.handleIngestEPUB(w, r)
	case strings.HasPrefix(path, "/share/") && r.Method == http.MethodGet:
		s.handlePublicShare(w, r)
	case strings.HasPrefix(path, "/api/documents/") && strings.HasSuffix(path, "/events") && r.Method == http.MethodGet:
		// The websocket upgrade authenticates itself: browsers cannot
		// set an Authorization header on a websocket dial.
		s.handleDocumentEvents(w, r)
	default:
		s.routeAuthed(w, r)
	}
}

func (s *HTTPServer) routeAuthed(w http.ResponseWriter, r *http.Request) {
	session, err := s.requireSession(r)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
		return
	}
	parts = parts[1:]
	ctx := r.Context()

	switch {
	case len(parts) == 2 && parts[0] == "session" && parts[1] == "digest" && r.Method == http.MethodPost:
		s.handleDigestOptIn(w, r, session)
	case len(parts) == 1 && parts[0] == "summary" && r.Method == http.MethodGet:
		payload, err := s.service.Summary(ctx, session.ReaderID)
		s.respond(w, payload, err)
	case len(parts) == 1 && parts[0] == "documents" && r.Method == http.MethodGet:
		payload, err := s.service.Library(ctx, session.ReaderID)
		s.respond(w, payload, err)
	case len(parts) == 1 && parts[0] == "highlights" && r.Method == http.MethodGet:
		payload, err := s.service.LibraryHighlights(ctx, session.ReaderID, r.URL.Query().Get("q"), r.URL.Query().Get("type"), intQuery(r, "limit", 20), intQuery(r, "offset", 0))
		s.respond(w, payload, err)
	case len(parts) == 2 && parts[0] == "highlights" && r.Method == http.MethodDelete:
		payload, err := s.service.DeleteHighlight(ctx, session.ReaderID, parts[1])
		s.respond(w, payload, err)
	case len(parts) == 1 && parts[0] == "shares" && r.Method == http.MethodPost:
		s.handleCreateShare(w, r, session)
	case len(parts) == 1 && parts[0] == "shares" && r.Method == http.MethodGet:
		payload, err := s.service.ListShares(ctx, session.ReaderID)
		s.respond(w, payload, err)
	case len(parts) == 2 && parts[0] == "shares" && r.Method == http.MethodDelete:
		payload, err := s.service.RevokeShare(ctx, session.ReaderID, parts[1])
		s.respond(w, payload, err)
	case len(parts) == 3 && parts[0] == "suggestions" && r.Method == http.MethodPost:
		switch parts[2] {
		case "accept":
			payload, err := s.service.ResolveSuggestion(ctx, session.ReaderID, parts[1], true)
			s.respond(w, payload, err)
		case "dismiss":
			payload, err := s.service.ResolveSuggestion(ctx, session.ReaderID, parts[1], false)
			s.respond(w, payload, err)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
		}
	case len(parts) == 2 && parts[0] == "library" && parts[1] == "export" && r.Method == http.MethodGet:
		s.handleLibraryExport(w, r, session)
	case len(parts) >= 2 && parts[0] == "documents":
		s.routeDocument(w, r, session, parts[1], parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
	}
}

func (s *HTTPServer) routeDocument(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.GetDocumentView(ctx, session.ReaderID, documentID)
		s.respond(w, payload, err)
	case len(rest) == 1 && rest[0] == "content" && r.Method == http.MethodGet:
		marks := r.URL.Query().Get("marks") != "false"
		payload, err := s.service.DocumentContent(ctx, session.ReaderID, documentID, r.URL.Query().Get("chapter"), marks)
		s.respond(w, payload, err)
	case len(rest) == 1 && rest[0] == "selections" && r.Method == http.MethodPost:
		var input SelectionInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		payload, err := s.service.ApplySelection(ctx, session.ReaderID, documentID, input)
		s.respond(w, payload, err)
	case len(rest) == 1 && rest[0] == "highlights" && r.Method == http.MethodGet:
		payload, err := s.service.DocumentHighlights(ctx, session.ReaderID, documentID, r.URL.Query().Get("chapter"))
		s.respond(w, payload, err)
	case len(rest) == 1 && rest[0] == "suggestions" && r.Method == http.MethodGet:
		payload, err := s.service.ListDocumentSuggestions(ctx, session.ReaderID, documentID, r.URL.Query().Get("status"))
		s.respond(w, payload, err)
	case len(rest) == 2 && rest[0] == "suggestions" && rest[1] == "refresh" && r.Method == http.MethodPost:
		payload, err := s.service.RefreshSuggestions(ctx, session.ReaderID, documentID, r.URL.Query().Get("chapter"))
		s.respond(w, payload, err)
	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		s.handleDocumentExport(w, r, session, documentID)
	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		payload, err := s.service.ContentHistory(ctx, session.ReaderID, documentID, intQuery(r, "limit", 20))
		s.respond(w, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	if err := s.service.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"reader":    map[string]any{"id": session.ReaderID, "name": session.ReaderName},
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleSession reports who the caller is. A missing or bad token is not an
// error here; the client uses this to decide whether to show the login form.
func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"reader": map[string]any{
			"id":          session.ReaderID,
			"name":        session.ReaderName,
			"digestOptIn": session.DigestOptIn,
		},
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleContentSync(w http.ResponseWriter, r *http.Request) {
	if !s.service.SyncTokenValid(r.Header.Get("x-sync-token")) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid sync token", nil)
		return
	}
	var input SyncInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	payload, err := s.service.HandleContentSync(r.Context(), input)
	s.respond(w, payload, err)
}

func (s *HTTPServer) handleIngestEPUB(w http.ResponseWriter, r *http.Request) {
	if !s.service.SyncTokenValid(r.Header.Get("x-sync-token")) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid sync token", nil)
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid multipart form", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file field is required", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	payload, err := s.service.IngestEPUB(r.Context(), r.FormValue("owner"), r.FormValue("documentId"), header.Filename, data)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handlePublicShare(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
		return
	}
	payload, err := s.service.PublicShareView(r.Context(), parts[1], r.Header.Get("x-share-passphrase"))
	s.respond(w, payload, err)
}

func (s *HTTPServer) handleDocumentEvents(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "event streaming is not available", nil)
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil)
		return
	}
	s.hub.Serve(w, r, session.ReaderID, parts[2])
}

func (s *HTTPServer) handleDigestOptIn(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		OptIn bool `json:"optIn"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	payload, err := s.service.SetDigestOptIn(r.Context(), session.ReaderID, body.OptIn)
	s.respond(w, payload, err)
}

func (s *HTTPServer) handleCreateShare(w http.ResponseWriter, r *http.Request, session Session) {
	var input ShareInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	payload, err := s.service.CreateShare(r.Context(), session.ReaderID, input)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleDocumentExport(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}
	includeNotes := r.URL.Query().Get("notes") != "false"
	result, err := s.service.ExportDocument(r.Context(), session.ReaderID, documentID, format, includeNotes)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeDownload(w, result.Filename, result.MimeType, result.Data)
}

func (s *HTTPServer) handleLibraryExport(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.ExportLibrary(r.Context(), session.ReaderID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeDownload(w, result.Filename, result.MimeType, result.Data)
}

// respond writes a payload or its mapped error in one step, for handlers
// that need no status or header control.
func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(r *http.Request) (Session, error) {
	token := bearerToken(r)
	if token == "" {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil)
		}
		return Session{}, err
	}
	return session, nil
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (int, string, string, any) {
	var dom *DomainError
	if errors.As(err, &dom) {
		return dom.Status, dom.Code, dom.Message, dom.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "resource not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "internal server error", nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{"code": code, "error": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func writeDownload(w http.ResponseWriter, filename, mimeType string, data []byte) {
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

type requestIDKey struct{}

// RequestIDFromContext returns the request id middleware assigned, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack exposes the underlying connection so the websocket upgrade works
// through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(recorder.Header(), s.corsOrigin)
		recorder.Header().Set("X-Request-ID", requestID)

		started := time.Now()
		if s.metrics != nil {
			s.metrics.HTTPRequestsInFlight.Inc()
		}
		next.ServeHTTP(recorder, r)
		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.HTTPRequestsInFlight.Dec()
			s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), recorder.status, duration)
		}
		s.log.LogHTTPRequest(r.Method, r.URL.Path, recorder.status, duration)
	})
}

func setCORSHeaders(h http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Share-Passphrase, X-Sync-Token")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Cache-Control", "no-store")
}

// routeLabel collapses id segments so the request metric's label set stays
// bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "documents", "highlights", "suggestions", "shares", "share":
			if !routeWord(parts[i]) {
				parts[i] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

func routeWord(segment string) bool {
	switch segment {
	case "content", "selections", "highlights", "suggestions", "export",
		"events", "history", "refresh", "accept", "dismiss":
		return true
	}
	return false
}

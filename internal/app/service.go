// Package app wires the highlight engine, stores and side services into the
// operations the HTTP layer exposes. All methods return either a payload that
// can be serialized as-is or an error; *DomainError carries the HTTP status
// and stable error code, everything else maps to 500.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/blob"
	"marginalia/api/internal/cache"
	"marginalia/api/internal/config"
	"marginalia/api/internal/contentrepo"
	"marginalia/api/internal/email"
	"marginalia/api/internal/events"
	"marginalia/api/internal/export"
	"marginalia/api/internal/highlight"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/search"
	"marginalia/api/internal/share"
	"marginalia/api/internal/store"
	"marginalia/api/internal/suggest"
	"marginalia/api/internal/util"
)

// Session is an authenticated reader context derived from a bearer token.
type Session struct {
	Token       string
	ReaderID    string
	ReaderName  string
	DigestOptIn bool
	ExpiresAt   time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureReaderByName(ctx context.Context, name string) (store.Reader, error)
	GetReader(ctx context.Context, id string) (store.Reader, error)
	ListReaders(ctx context.Context) ([]store.Reader, error)
	SetDigestOptIn(ctx context.Context, readerID string, optIn bool) error
	UpsertDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, ownerID, documentID string) (store.Document, error)
	ListLibrary(ctx context.Context, ownerID string) ([]store.LibraryEntry, error)
	ReplaceChapters(ctx context.Context, documentID string, chapters []store.Chapter) error
	ListChapters(ctx context.Context, documentID string) ([]store.Chapter, error)
	GetChapter(ctx context.Context, documentID, chapterID string) (store.Chapter, error)
	DeleteHighlight(ctx context.Context, ownerID, highlightID string) error
	ReplaceHighlights(ctx context.Context, ownerID string, deleteIDs []string, create []store.Highlight) error
	GetHighlight(ctx context.Context, ownerID, highlightID string) (store.Highlight, error)
	ListHighlights(ctx context.Context, ownerID, documentID string) ([]store.Highlight, error)
	ListScopeHighlights(ctx context.Context, ownerID, documentID, chapterID string) ([]store.Highlight, error)
	HighlightsCreatedSince(ctx context.Context, ownerID string, since time.Time) ([]store.Highlight, error)
	CountHighlights(ctx context.Context) (int, error)
	SummaryCounts(ctx context.Context, ownerID string) (store.SummaryCounts, error)
	CreateSuggestion(ctx context.Context, item store.Suggestion) error
	GetSuggestion(ctx context.Context, ownerID, suggestionID string) (store.Suggestion, error)
	ListSuggestions(ctx context.Context, ownerID, documentID, status string) ([]store.Suggestion, error)
	UpdateSuggestionStatus(ctx context.Context, ownerID, suggestionID, status string) error
}

type contentService interface {
	CommitSnapshot(documentID string, snap contentrepo.Snapshot, author, message string) (store.CommitInfo, error)
	HeadSnapshot(documentID string) (contentrepo.Snapshot, store.CommitInfo, error)
	History(documentID string, limit int) ([]store.CommitInfo, error)
}

type cacheStore interface {
	GetProjection(ctx context.Context, documentID, chapterID, revision string) (string, bool, error)
	SetProjection(ctx context.Context, documentID, chapterID, revision, projection string) error
	GetRender(ctx context.Context, ownerID, documentID, chapterID, revision string) ([]byte, bool, error)
	SetRender(ctx context.Context, ownerID, documentID, chapterID, revision string, payload []byte) error
	InvalidateRender(ctx context.Context, ownerID, documentID, chapterID, revision string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexHighlight(rec search.HighlightRecord)
	DeleteHighlight(id string)
	IndexDocument(rec search.DocumentRecord)
}

type suggestionSource interface {
	Enabled() bool
	Propose(ctx context.Context, req suggest.Request, stored []highlight.Record) ([]suggest.Candidate, error)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
	ExportLibrary(ctx context.Context, ownerID string) (*export.Result, error)
}

type blobStore interface {
	PutSource(ctx context.Context, documentID, filename string, data []byte) (string, error)
	PutArtifact(ctx context.Context, ownerID, filename, mimeType string, data []byte) (string, error)
}

type shareService interface {
	Create(ctx context.Context, req share.CreateRequest) (*share.Created, error)
	Resolve(ctx context.Context, token, passphrase string) (store.ShareLink, error)
	List(ctx context.Context, ownerID string) ([]store.ShareLink, error)
	Revoke(ctx context.Context, ownerID, shareID string) error
}

type broadcaster interface {
	Broadcast(ownerID string, msg events.Message)
}

type mailer interface {
	IsConfigured() bool
	SendDigestEmail(to string, data email.DigestData) error
}

// Service implements the reading-service operations.
type Service struct {
	cfg     config.Config
	store   dataStore
	content contentService
	cache   cacheStore
	search  searchIndex
	suggest suggestionSource
	export  exporter
	blobs   blobStore
	shares  shareService
	events  broadcaster
	mail    mailer
	log     *logger.Logger
	metrics *metrics.Metrics

	// busy tracks in-flight highlight mutations per (owner, document,
	// chapter). A second writer on the same scope gets 409 instead of
	// racing the first one's read-plan-write cycle.
	busyMu sync.Mutex
	busy   map[string]struct{}
}

// Deps collects the collaborators New wires into a Service. Cache, Blobs,
// Events and Mail may be nil when the backing system is not configured.
type Deps struct {
	Store   *store.PostgresStore
	Content *contentrepo.Service
	Cache   *cache.RedisCache
	Search  *search.Service
	Suggest *suggest.Service
	Export  *export.Service
	Blobs   *blob.Store
	Shares  *share.Service
	Events  *events.Hub
	Mail    *email.Service
}

func New(cfg config.Config, deps Deps, log *logger.Logger, met *metrics.Metrics) *Service {
	svc := &Service{
		cfg:     cfg,
		store:   deps.Store,
		content: deps.Content,
		search:  deps.Search,
		suggest: deps.Suggest,
		export:  deps.Export,
		shares:  deps.Shares,
		log:     log.Component("app"),
		metrics: met,
		busy:    make(map[string]struct{}),
	}
	// Optional collaborators stay nil interfaces when unconfigured; a nil
	// concrete pointer assigned unconditionally would dodge the == nil
	// checks below.
	if deps.Cache != nil {
		svc.cache = deps.Cache
	}
	if deps.Blobs != nil {
		svc.blobs = deps.Blobs
	}
	if deps.Events != nil {
		svc.events = deps.Events
	}
	if deps.Mail != nil {
		svc.mail = deps.Mail
	}
	return svc
}

// Ping reports database reachability for the readiness endpoint.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SyncTokenValid checks the shared secret presented by content producers.
func (s *Service) SyncTokenValid(token string) bool {
	return s.cfg.SyncToken != "" && token == s.cfg.SyncToken
}

// Login issues a bearer token for the named reader, creating the reader row
// on first sight. Blank names collapse to a default reader.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	readerName := strings.TrimSpace(name)
	if readerName == "" {
		readerName = "Reader"
	}
	reader, err := s.store.EnsureReaderByName(ctx, readerName)
	if err != nil {
		return Session{}, err
	}
	token, expiresAt, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  reader.ID,
		Name: reader.DisplayName,
		JTI:  util.NewID("jti"),
	}, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	s.log.Info().Str("reader_id", reader.ID).Msg("reader logged in")
	return Session{
		Token:       token,
		ReaderID:    reader.ID,
		ReaderName:  reader.DisplayName,
		DigestOptIn: reader.DigestOptIn,
		ExpiresAt:   expiresAt,
	}, nil
}

// SessionFromToken validates a bearer token and resolves its reader.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	reader, err := s.store.GetReader(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       token,
		ReaderID:    reader.ID,
		ReaderName:  reader.DisplayName,
		DigestOptIn: reader.DigestOptIn,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

// SetDigestOptIn flips the weekly digest subscription for a reader.
func (s *Service) SetDigestOptIn(ctx context.Context, readerID string, optIn bool) (map[string]any, error) {
	if err := s.store.SetDigestOptIn(ctx, readerID, optIn); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "digestOptIn": optIn}, nil
}

// SyncChapterInput is one chapter in a content sync request.
type SyncChapterInput struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Position int               `json:"position"`
	Content  highlight.Content `json:"content"`
}

// SyncInput is the body of an internal content sync. Exactly one of Body and
// Chapters must be set.
type SyncInput struct {
	DocumentID string             `json:"documentId"`
	Owner      string             `json:"owner,omitempty"`
	Title      string             `json:"title"`
	Author     string             `json:"author,omitempty"`
	Source     string             `json:"source,omitempty"`
	Language   string             `json:"language,omitempty"`
	Body       highlight.Content  `json:"body,omitempty"`
	Chapters   []SyncChapterInput `json:"chapters,omitempty"`
}

// HandleContentSync commits a content snapshot and refreshes the document
// metadata derived from it. Highlights are never touched here: stale ones
// fall back to text anchoring at render time.
func (s *Service) HandleContentSync(ctx context.Context, input SyncInput) (map[string]any, error) {
	documentID := strings.TrimSpace(input.DocumentID)
	if documentID == "" {
		return nil, validationError("documentId is required", nil)
	}
	hasBody := input.Body != nil
	if hasBody == (len(input.Chapters) > 0) {
		return nil, validationError("exactly one of body or chapters is required", nil)
	}

	owner, err := s.store.EnsureReaderByName(ctx, firstNonBlank(input.Owner, "Reader"))
	if err != nil {
		return nil, err
	}

	snap := contentrepo.Snapshot{Metadata: contentrepo.Metadata{
		Title:    input.Title,
		Author:   input.Author,
		Language: input.Language,
	}}
	doc := store.Document{
		ID:       documentID,
		OwnerID:  owner.ID,
		Title:    input.Title,
		Author:   input.Author,
		Source:   input.Source,
		Language: input.Language,
	}

	var chapters []store.Chapter
	if hasBody {
		snap.Body = input.Body
		projection := highlight.Project(input.Body)
		doc.Revision = contentrepo.Fingerprint(projection)
		doc.WordCount = len(strings.Fields(projection))
	} else {
		snap.Chapters = make(map[string]highlight.Content, len(input.Chapters))
		revisions := make([]string, 0, len(input.Chapters))
		for i, ch := range input.Chapters {
			chapterID := strings.TrimSpace(ch.ID)
			if chapterID == "" {
				return nil, validationError(fmt.Sprintf("chapter %d is missing an id", i), nil)
			}
			snap.Chapters[chapterID] = ch.Content
			projection := highlight.Project(ch.Content)
			revision := contentrepo.Fingerprint(projection)
			words := len(strings.Fields(projection))
			position := ch.Position
			if position == 0 {
				position = i
			}
			chapters = append(chapters, store.Chapter{
				ID:         chapterID,
				DocumentID: documentID,
				Title:      ch.Title,
				SortOrder:  position,
				Revision:   revision,
				WordCount:  words,
			})
			revisions = append(revisions, revision)
			doc.WordCount += words
		}
		// The document revision of a chaptered work digests its chapter
		// revisions, so any chapter change moves it.
		doc.Revision = contentrepo.Fingerprint(strings.Join(revisions, "\n"))
	}

	commit, err := s.content.CommitSnapshot(documentID, snap, owner.DisplayName, "Content sync")
	if err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}
	if err := s.store.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	if len(chapters) > 0 {
		if err := s.store.ReplaceChapters(ctx, documentID, chapters); err != nil {
			return nil, err
		}
	}

	s.search.IndexDocument(search.DocumentRecord{ID: documentID, OwnerID: owner.ID, Title: doc.Title, Author: doc.Author})
	if s.events != nil {
		s.events.Broadcast(owner.ID, events.Message{
			Type:       events.TypeDocumentSynced,
			DocumentID: documentID,
			Revision:   doc.Revision,
		})
	}
	s.log.Info().
		Str("document_id", documentID).
		Str("revision", doc.Revision).
		Int("chapters", len(chapters)).
		Msg("content synced")

	return map[string]any{
		"ok":         true,
		"documentId": documentID,
		"revision":   doc.Revision,
		"commit":     commit.Hash,
		"chapters":   len(chapters),
	}, nil
}

// Library lists the reader's documents with their counts.
func (s *Service) Library(ctx context.Context, ownerID string) (map[string]any, error) {
	entries, err := s.store.ListLibrary(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":             entry.ID,
			"title":          entry.Title,
			"author":         entry.Author,
			"language":       entry.Language,
			"revision":       entry.Revision,
			"wordCount":      entry.WordCount,
			"chapterCount":   entry.ChapterCount,
			"highlightCount": entry.HighlightCount,
			"updatedAt":      entry.UpdatedAt,
		})
	}
	return map[string]any{"documents": items, "total": len(items)}, nil
}

// GetDocumentView returns one document's metadata and chapter listing.
func (s *Service) GetDocumentView(ctx context.Context, ownerID, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return nil, err
	}
	chapters, err := s.store.ListChapters(ctx, documentID)
	if err != nil {
		return nil, err
	}
	chapterItems := make([]map[string]any, 0, len(chapters))
	for _, chapter := range chapters {
		chapterItems = append(chapterItems, map[string]any{
			"id":        chapter.ID,
			"title":     chapter.Title,
			"position":  chapter.SortOrder,
			"revision":  chapter.Revision,
			"wordCount": chapter.WordCount,
		})
	}
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"author":    doc.Author,
		"source":    doc.Source,
		"language":  doc.Language,
		"revision":  doc.Revision,
		"wordCount": doc.WordCount,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
		"chapters":  chapterItems,
	}, nil
}

// Summary returns the reader's library counters.
func (s *Service) Summary(ctx context.Context, ownerID string) (map[string]any, error) {
	counts, err := s.store.SummaryCounts(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documents":  counts.Documents,
		"chapters":   counts.Chapters,
		"highlights": counts.Highlights,
		"notes":      counts.Notes,
	}, nil
}

// ContentHistory lists a document's snapshot commits, newest first.
func (s *Service) ContentHistory(ctx context.Context, ownerID, documentID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, ownerID, documentID); err != nil {
		return nil, err
	}
	commits, err := s.content.History(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt,
		})
	}
	return map[string]any{"documentId": documentID, "commits": items}, nil
}

// scope is one highlightable unit of content: the body of a single-body
// document, or one chapter of a chaptered one.
type scope struct {
	documentID string
	chapterID  string
	revision   string
	content    highlight.Content
}

func (s *Service) loadScope(ctx context.Context, ownerID, documentID, chapterID string) (store.Document, scope, error) {
	doc, err := s.store.GetDocument(ctx, ownerID, documentID)
	if err != nil {
		return store.Document{}, scope{}, err
	}
	snap, _, err := s.content.HeadSnapshot(documentID)
	if err != nil {
		return store.Document{}, scope{}, fmt.Errorf("load content: %w", err)
	}
	if chapterID != "" {
		chapter, err := s.store.GetChapter(ctx, documentID, chapterID)
		if err != nil {
			return store.Document{}, scope{}, err
		}
		content, ok := snap.Chapters[chapterID]
		if !ok {
			return store.Document{}, scope{}, notFound("chapter content not found")
		}
		return doc, scope{documentID: documentID, chapterID: chapterID, revision: chapter.Revision, content: content}, nil
	}
	if len(snap.Chapters) > 0 {
		return store.Document{}, scope{}, validationError("chapter is required for a chaptered document", nil)
	}
	if snap.Body == nil {
		return store.Document{}, scope{}, notFound("document content not found")
	}
	return doc, scope{documentID: documentID, revision: doc.Revision, content: snap.Body}, nil
}

// projectionFor returns the scope's plain-text projection, caching it under
// the content revision. Cache trouble degrades to recomputing.
func (s *Service) projectionFor(ctx context.Context, sc scope) string {
	if s.cache != nil {
		cached, ok, err := s.cache.GetProjection(ctx, sc.documentID, sc.chapterID, sc.revision)
		if err == nil && ok {
			s.recordCache("projection", true)
			return cached
		}
		s.recordCache("projection", false)
	}
	projection := highlight.Project(sc.content)
	if s.cache != nil {
		if err := s.cache.SetProjection(ctx, sc.documentID, sc.chapterID, sc.revision, projection); err != nil {
			s.log.Warn().Err(err).Str("document_id", sc.documentID).Msg("projection cache write failed")
		}
	}
	return projection
}

func (s *Service) acquireMutation(ownerID, documentID, chapterID string) (func(), error) {
	key := ownerID + "|" + documentID + "|" + chapterID
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if _, held := s.busy[key]; held {
		return nil, domainError(http.StatusConflict, "MUTATION_IN_FLIGHT",
			"another highlight change for this content is still being applied", nil)
	}
	s.busy[key] = struct{}{}
	return func() {
		s.busyMu.Lock()
		delete(s.busy, key)
		s.busyMu.Unlock()
	}, nil
}

func (s *Service) recordCache(kind string, hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(kind, hit)
	}
}

func toEngineRecords(items []store.Highlight) []highlight.Record {
	records := make([]highlight.Record, 0, len(items))
	for _, item := range items {
		records = append(records, highlight.Record{
			ID:       item.ID,
			Text:     item.Text,
			Start:    item.StartPos,
			End:      item.EndPos,
			Note:     item.Note,
			Revision: item.Revision,
		})
	}
	return records
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"marginalia/api/internal/config"
	"marginalia/api/internal/contentrepo"
	"marginalia/api/internal/events"
	"marginalia/api/internal/export"
	"marginalia/api/internal/highlight"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/search"
	"marginalia/api/internal/share"
	"marginalia/api/internal/store"
	"marginalia/api/internal/suggest"
)

type fakeStore struct {
	pingFn                   func(ctx context.Context) error
	ensureReaderFn           func(ctx context.Context, name string) (store.Reader, error)
	getReaderFn              func(ctx context.Context, id string) (store.Reader, error)
	listReadersFn            func(ctx context.Context) ([]store.Reader, error)
	setDigestOptInFn         func(ctx context.Context, readerID string, optIn bool) error
	upsertDocumentFn         func(ctx context.Context, doc store.Document) error
	getDocumentFn            func(ctx context.Context, ownerID, documentID string) (store.Document, error)
	listLibraryFn            func(ctx context.Context, ownerID string) ([]store.LibraryEntry, error)
	replaceChaptersFn        func(ctx context.Context, documentID string, chapters []store.Chapter) error
	listChaptersFn           func(ctx context.Context, documentID string) ([]store.Chapter, error)
	getChapterFn             func(ctx context.Context, documentID, chapterID string) (store.Chapter, error)
	deleteHighlightFn        func(ctx context.Context, ownerID, highlightID string) error
	replaceHighlightsFn      func(ctx context.Context, ownerID string, deleteIDs []string, create []store.Highlight) error
	getHighlightFn           func(ctx context.Context, ownerID, highlightID string) (store.Highlight, error)
	listHighlightsFn         func(ctx context.Context, ownerID, documentID string) ([]store.Highlight, error)
	listScopeHighlightsFn    func(ctx context.Context, ownerID, documentID, chapterID string) ([]store.Highlight, error)
	highlightsSinceFn        func(ctx context.Context, ownerID string, since time.Time) ([]store.Highlight, error)
	countHighlightsFn        func(ctx context.Context) (int, error)
	summaryCountsFn          func(ctx context.Context, ownerID string) (store.SummaryCounts, error)
	createSuggestionFn       func(ctx context.Context, item store.Suggestion) error
	getSuggestionFn          func(ctx context.Context, ownerID, suggestionID string) (store.Suggestion, error)
	listSuggestionsFn        func(ctx context.Context, ownerID, documentID, status string) ([]store.Suggestion, error)
	updateSuggestionStatusFn func(ctx context.Context, ownerID, suggestionID, status string) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) EnsureReaderByName(ctx context.Context, name string) (store.Reader, error) {
	if f.ensureReaderFn != nil {
		return f.ensureReaderFn(ctx, name)
	}
	return store.Reader{ID: "reader-1", DisplayName: name}, nil
}

func (f *fakeStore) GetReader(ctx context.Context, id string) (store.Reader, error) {
	if f.getReaderFn != nil {
		return f.getReaderFn(ctx, id)
	}
	return store.Reader{}, sql.ErrNoRows
}

func (f *fakeStore) ListReaders(ctx context.Context) ([]store.Reader, error) {
	if f.listReadersFn != nil {
		return f.listReadersFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) SetDigestOptIn(ctx context.Context, readerID string, optIn bool) error {
	if f.setDigestOptInFn != nil {
		return f.setDigestOptInFn(ctx, readerID, optIn)
	}
	return nil
}

func (f *fakeStore) UpsertDocument(ctx context.Context, doc store.Document) error {
	if f.upsertDocumentFn != nil {
		return f.upsertDocumentFn(ctx, doc)
	}
	return nil
}

func (f *fakeStore) GetDocument(ctx context.Context, ownerID, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, ownerID, documentID)
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) ListLibrary(ctx context.Context, ownerID string) ([]store.LibraryEntry, error) {
	if f.listLibraryFn != nil {
		return f.listLibraryFn(ctx, ownerID)
	}
	return nil, nil
}

func (f *fakeStore) ReplaceChapters(ctx context.Context, documentID string, chapters []store.Chapter) error {
	if f.replaceChaptersFn != nil {
		return f.replaceChaptersFn(ctx, documentID, chapters)
	}
	return nil
}

func (f *fakeStore) ListChapters(ctx context.Context, documentID string) ([]store.Chapter, error) {
	if f.listChaptersFn != nil {
		return f.listChaptersFn(ctx, documentID)
	}
	return nil, nil
}

func (f *fakeStore) GetChapter(ctx context.Context, documentID, chapterID string) (store.Chapter, error) {
	if f.getChapterFn != nil {
		return f.getChapterFn(ctx, documentID, chapterID)
	}
	return store.Chapter{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteHighlight(ctx context.Context, ownerID, highlightID string) error {
	if f.deleteHighlightFn != nil {
		return f.deleteHighlightFn(ctx, ownerID, highlightID)
	}
	return nil
}

func (f *fakeStore) ReplaceHighlights(ctx context.Context, ownerID string, deleteIDs []string, create []store.Highlight) error {
	if f.replaceHighlightsFn != nil {
		return f.replaceHighlightsFn(ctx, ownerID, deleteIDs, create)
	}
	return nil
}

func (f *fakeStore) GetHighlight(ctx context.Context, ownerID, highlightID string) (store.Highlight, error) {
	if f.getHighlightFn != nil {
		return f.getHighlightFn(ctx, ownerID, highlightID)
	}
	return store.Highlight{}, sql.ErrNoRows
}

func (f *fakeStore) ListHighlights(ctx context.Context, ownerID, documentID string) ([]store.Highlight, error) {
	if f.listHighlightsFn != nil {
		return f.listHighlightsFn(ctx, ownerID, documentID)
	}
	return nil, nil
}

func (f *fakeStore) ListScopeHighlights(ctx context.Context, ownerID, documentID, chapterID string) ([]store.Highlight, error) {
	if f.listScopeHighlightsFn != nil {
		return f.listScopeHighlightsFn(ctx, ownerID, documentID, chapterID)
	}
	return nil, nil
}

func (f *fakeStore) HighlightsCreatedSince(ctx context.Context, ownerID string, since time.Time) ([]store.Highlight, error) {
	if f.highlightsSinceFn != nil {
		return f.highlightsSinceFn(ctx, ownerID, since)
	}
	return nil, nil
}

func (f *fakeStore) CountHighlights(ctx context.Context) (int, error) {
	if f.countHighlightsFn != nil {
		return f.countHighlightsFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) SummaryCounts(ctx context.Context, ownerID string) (store.SummaryCounts, error) {
	if f.summaryCountsFn != nil {
		return f.summaryCountsFn(ctx, ownerID)
	}
	return store.SummaryCounts{}, nil
}

func (f *fakeStore) CreateSuggestion(ctx context.Context, item store.Suggestion) error {
	if f.createSuggestionFn != nil {
		return f.createSuggestionFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetSuggestion(ctx context.Context, ownerID, suggestionID string) (store.Suggestion, error) {
	if f.getSuggestionFn != nil {
		return f.getSuggestionFn(ctx, ownerID, suggestionID)
	}
	return store.Suggestion{}, sql.ErrNoRows
}

func (f *fakeStore) ListSuggestions(ctx context.Context, ownerID, documentID, status string) ([]store.Suggestion, error) {
	if f.listSuggestionsFn != nil {
		return f.listSuggestionsFn(ctx, ownerID, documentID, status)
	}
	return nil, nil
}

func (f *fakeStore) UpdateSuggestionStatus(ctx context.Context, ownerID, suggestionID, status string) error {
	if f.updateSuggestionStatusFn != nil {
		return f.updateSuggestionStatusFn(ctx, ownerID, suggestionID, status)
	}
	return nil
}

type fakeContent struct {
	commitFn  func(documentID string, snap contentrepo.Snapshot, author, message string) (store.CommitInfo, error)
	headFn    func(documentID string) (contentrepo.Snapshot, store.CommitInfo, error)
	historyFn func(documentID string, limit int) ([]store.CommitInfo, error)
}

func (f *fakeContent) CommitSnapshot(documentID string, snap contentrepo.Snapshot, author, message string) (store.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(documentID, snap, author, message)
	}
	return store.CommitInfo{Hash: "commit-1"}, nil
}

func (f *fakeContent) HeadSnapshot(documentID string) (contentrepo.Snapshot, store.CommitInfo, error) {
	if f.headFn != nil {
		return f.headFn(documentID)
	}
	return contentrepo.Snapshot{}, store.CommitInfo{}, nil
}

func (f *fakeContent) History(documentID string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(documentID, limit)
	}
	return nil, nil
}

type fakeCache struct {
	projections map[string]string
	renders     map[string][]byte
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{projections: map[string]string{}, renders: map[string][]byte{}}
}

func (f *fakeCache) GetProjection(ctx context.Context, documentID, chapterID, revision string) (string, bool, error) {
	value, ok := f.projections[documentID+"|"+chapterID+"|"+revision]
	return value, ok, nil
}

func (f *fakeCache) SetProjection(ctx context.Context, documentID, chapterID, revision, projection string) error {
	f.projections[documentID+"|"+chapterID+"|"+revision] = projection
	return nil
}

func (f *fakeCache) GetRender(ctx context.Context, ownerID, documentID, chapterID, revision string) ([]byte, bool, error) {
	value, ok := f.renders[ownerID+"|"+documentID+"|"+chapterID+"|"+revision]
	return value, ok, nil
}

func (f *fakeCache) SetRender(ctx context.Context, ownerID, documentID, chapterID, revision string, payload []byte) error {
	f.renders[ownerID+"|"+documentID+"|"+chapterID+"|"+revision] = payload
	return nil
}

func (f *fakeCache) InvalidateRender(ctx context.Context, ownerID, documentID, chapterID, revision string) error {
	key := ownerID + "|" + documentID + "|" + chapterID + "|" + revision
	delete(f.renders, key)
	f.invalidated = append(f.invalidated, key)
	return nil
}

type fakeSearch struct {
	searchFn func(q search.Query) search.Response
	indexed  []search.HighlightRecord
	deleted  []string
	docs     []search.DocumentRecord
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Query: q.Text}
}

func (f *fakeSearch) IndexHighlight(rec search.HighlightRecord) { f.indexed = append(f.indexed, rec) }
func (f *fakeSearch) DeleteHighlight(id string)                 { f.deleted = append(f.deleted, id) }
func (f *fakeSearch) IndexDocument(rec search.DocumentRecord)   { f.docs = append(f.docs, rec) }

type fakeSuggest struct {
	enabled   bool
	proposeFn func(ctx context.Context, req suggest.Request, stored []highlight.Record) ([]suggest.Candidate, error)
}

func (f *fakeSuggest) Enabled() bool { return f.enabled }

func (f *fakeSuggest) Propose(ctx context.Context, req suggest.Request, stored []highlight.Record) ([]suggest.Candidate, error) {
	if f.proposeFn != nil {
		return f.proposeFn(ctx, req, stored)
	}
	return nil, nil
}

type fakeExport struct {
	exportFn  func(ctx context.Context, req export.Request) (*export.Result, error)
	libraryFn func(ctx context.Context, ownerID string) (*export.Result, error)
}

func (f *fakeExport) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if f.exportFn != nil {
		return f.exportFn(ctx, req)
	}
	return &export.Result{Data: []byte("# export"), Filename: "export.md", MimeType: "text/markdown"}, nil
}

func (f *fakeExport) ExportLibrary(ctx context.Context, ownerID string) (*export.Result, error) {
	if f.libraryFn != nil {
		return f.libraryFn(ctx, ownerID)
	}
	return &export.Result{Data: []byte("archive"), Filename: "library.tar.xz", MimeType: "application/x-xz"}, nil
}

type fakeShares struct {
	createFn  func(ctx context.Context, req share.CreateRequest) (*share.Created, error)
	resolveFn func(ctx context.Context, token, passphrase string) (store.ShareLink, error)
	listFn    func(ctx context.Context, ownerID string) ([]store.ShareLink, error)
	revokeFn  func(ctx context.Context, ownerID, shareID string) error
}

func (f *fakeShares) Create(ctx context.Context, req share.CreateRequest) (*share.Created, error) {
	if f.createFn != nil {
		return f.createFn(ctx, req)
	}
	return &share.Created{
		Link:  store.ShareLink{ID: "shr_1", OwnerID: req.OwnerID, DocumentID: req.DocumentID},
		Token: "token-1",
	}, nil
}

func (f *fakeShares) Resolve(ctx context.Context, token, passphrase string) (store.ShareLink, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, token, passphrase)
	}
	return store.ShareLink{}, share.ErrNotFound
}

func (f *fakeShares) List(ctx context.Context, ownerID string) ([]store.ShareLink, error) {
	if f.listFn != nil {
		return f.listFn(ctx, ownerID)
	}
	return nil, nil
}

func (f *fakeShares) Revoke(ctx context.Context, ownerID, shareID string) error {
	if f.revokeFn != nil {
		return f.revokeFn(ctx, ownerID, shareID)
	}
	return nil
}

type fakeBroadcast struct {
	owners   []string
	messages []events.Message
}

func (f *fakeBroadcast) Broadcast(ownerID string, msg events.Message) {
	f.owners = append(f.owners, ownerID)
	f.messages = append(f.messages, msg)
}

type testDeps struct {
	store   *fakeStore
	content *fakeContent
	cache   *fakeCache
	search  *fakeSearch
	suggest *fakeSuggest
	export  *fakeExport
	shares  *fakeShares
	events  *fakeBroadcast
}

func newTestService(d testDeps) *Service {
	if d.store == nil {
		d.store = &fakeStore{}
	}
	if d.content == nil {
		d.content = &fakeContent{}
	}
	if d.search == nil {
		d.search = &fakeSearch{}
	}
	if d.suggest == nil {
		d.suggest = &fakeSuggest{}
	}
	if d.export == nil {
		d.export = &fakeExport{}
	}
	if d.shares == nil {
		d.shares = &fakeShares{}
	}
	svc := &Service{
		cfg: config.Config{
			TokenSecret: "0123456789abcdef0123456789abcdef",
			SyncToken:   "sync-secret",
			AccessTTL:   time.Hour,
		},
		store:   d.store,
		content: d.content,
		search:  d.search,
		suggest: d.suggest,
		export:  d.export,
		shares:  d.shares,
		log:     logger.NewLogger(logger.Config{Output: io.Discard}),
		busy:    make(map[string]struct{}),
	}
	if d.cache != nil {
		svc.cache = d.cache
	}
	if d.events != nil {
		svc.events = d.events
	}
	return svc
}

// singleBodyFixture wires a one-document store whose body is the given
// paragraphs, with the head snapshot and revision kept consistent.
func singleBodyFixture(fs *fakeStore, fc *fakeContent, paragraphs ...string) (string, string) {
	children := make([]any, 0, len(paragraphs))
	for _, p := range paragraphs {
		children = append(children, highlight.Paragraph(highlight.TextNode(p)))
	}
	body := highlight.Doc(children...)
	projection := highlight.Project(body)
	revision := contentrepo.Fingerprint(projection)

	fs.getDocumentFn = func(ctx context.Context, ownerID, documentID string) (store.Document, error) {
		if documentID != "doc-1" {
			return store.Document{}, sql.ErrNoRows
		}
		return store.Document{ID: "doc-1", OwnerID: ownerID, Title: "Voyage Notes", Revision: revision}, nil
	}
	fc.headFn = func(documentID string) (contentrepo.Snapshot, store.CommitInfo, error) {
		return contentrepo.Snapshot{Body: body}, store.CommitInfo{Hash: "commit-1"}, nil
	}
	return projection, revision
}

func TestLoginAndSessionRoundTrip(t *testing.T) {
	fs := &fakeStore{}
	fs.getReaderFn = func(ctx context.Context, id string) (store.Reader, error) {
		if id != "reader-1" {
			return store.Reader{}, sql.ErrNoRows
		}
		return store.Reader{ID: "reader-1", DisplayName: "Imogen", DigestOptIn: true}, nil
	}
	svc := newTestService(testDeps{store: fs})

	session, err := svc.Login(context.Background(), "  Imogen  ")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if session.ReaderID != "reader-1" {
		t.Fatalf("reader id = %q", session.ReaderID)
	}
	if session.Token == "" {
		t.Fatal("expected a token")
	}

	resolved, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token failed: %v", err)
	}
	if resolved.ReaderName != "Imogen" {
		t.Errorf("reader name = %q", resolved.ReaderName)
	}
	if !resolved.DigestOptIn {
		t.Error("expected digest opt-in from reader row")
	}

	if _, err := svc.SessionFromToken(context.Background(), "garbage"); err == nil {
		t.Error("expected error for a garbage token")
	}
}

func TestLoginBlankNameDefaults(t *testing.T) {
	var seen string
	fs := &fakeStore{}
	fs.ensureReaderFn = func(ctx context.Context, name string) (store.Reader, error) {
		seen = name
		return store.Reader{ID: "reader-1", DisplayName: name}, nil
	}
	svc := newTestService(testDeps{store: fs})
	if _, err := svc.Login(context.Background(), "   "); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if seen != "Reader" {
		t.Errorf("ensured reader %q, want Reader", seen)
	}
}

func TestContentSyncSingleBody(t *testing.T) {
	var upserted store.Document
	fs := &fakeStore{}
	fs.upsertDocumentFn = func(ctx context.Context, doc store.Document) error {
		upserted = doc
		return nil
	}
	fb := &fakeBroadcast{}
	fsearch := &fakeSearch{}
	svc := newTestService(testDeps{store: fs, search: fsearch, events: fb})

	body := highlight.Doc(highlight.Paragraph(highlight.TextNode("We left the harbor at dawn.")))
	payload, err := svc.HandleContentSync(context.Background(), SyncInput{
		DocumentID: "doc-1",
		Owner:      "Imogen",
		Title:      "Voyage Notes",
		Body:       body,
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	wantRevision := contentrepo.Fingerprint(highlight.Project(body))
	if upserted.Revision != wantRevision {
		t.Errorf("stored revision %q, want %q", upserted.Revision, wantRevision)
	}
	if upserted.WordCount != 6 {
		t.Errorf("word count = %d, want 6", upserted.WordCount)
	}
	if payload["revision"] != wantRevision {
		t.Errorf("payload revision %v", payload["revision"])
	}
	if payload["commit"] != "commit-1" {
		t.Errorf("payload commit %v", payload["commit"])
	}
	if len(fsearch.docs) != 1 || fsearch.docs[0].Title != "Voyage Notes" {
		t.Errorf("indexed documents %+v", fsearch.docs)
	}
	if len(fb.messages) != 1 || fb.messages[0].Type != events.TypeDocumentSynced {
		t.Errorf("broadcasts %+v", fb.messages)
	}
}

func TestContentSyncChapters(t *testing.T) {
	var replaced []store.Chapter
	fs := &fakeStore{}
	fs.replaceChaptersFn = func(ctx context.Context, documentID string, chapters []store.Chapter) error {
		replaced = chapters
		return nil
	}
	svc := newTestService(testDeps{store: fs})

	payload, err := svc.HandleContentSync(context.Background(), SyncInput{
		DocumentID: "doc-1",
		Title:      "Field Journal",
		Chapters: []SyncChapterInput{
			{ID: "ch1", Title: "Spring", Content: highlight.Doc(highlight.Paragraph(highlight.TextNode("Rain all morning.")))},
			{ID: "ch2", Title: "Summer", Content: highlight.Doc(highlight.Paragraph(highlight.TextNode("Dust on the road.")))},
		},
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(replaced) != 2 {
		t.Fatalf("replaced %d chapters, want 2", len(replaced))
	}
	if replaced[0].Revision == "" || replaced[0].Revision == replaced[1].Revision {
		t.Errorf("chapter revisions %q, %q", replaced[0].Revision, replaced[1].Revision)
	}
	if replaced[1].SortOrder != 1 {
		t.Errorf("second chapter sort order = %d", replaced[1].SortOrder)
	}
	if payload["chapters"] != 2 {
		t.Errorf("payload chapters %v", payload["chapters"])
	}
}

func TestContentSyncValidation(t *testing.T) {
	svc := newTestService(testDeps{})

	cases := []SyncInput{
		{},
		{DocumentID: "doc-1"},
		{
			DocumentID: "doc-1",
			Body:       highlight.Doc(highlight.Paragraph(highlight.TextNode("x"))),
			Chapters:   []SyncChapterInput{{ID: "ch1"}},
		},
	}
	for i, input := range cases {
		_, err := svc.HandleContentSync(context.Background(), input)
		if status := domainStatus(t, err); status != 422 {
			t.Errorf("case %d: status = %d, want 422", i, status)
		}
	}
}

func TestDocumentContentRenderAndCache(t *testing.T) {
	fs := &fakeStore{}
	fc := &fakeContent{}
	projection, revision := singleBodyFixture(fs, fc, "We left the harbor at dawn.")
	start := 12
	end := start + len("harbor")
	fs.listScopeHighlightsFn = func(ctx context.Context, ownerID, documentID, chapterID string) ([]store.Highlight, error) {
		return []store.Highlight{{
			ID: "hl_1", OwnerID: ownerID, DocumentID: documentID,
			Text: projection[start:end], StartPos: start, EndPos: end, Revision: revision,
		}}, nil
	}
	cache := newFakeCache()
	svc := newTestService(testDeps{store: fs, content: fc, cache: cache})

	payload, err := svc.DocumentContent(context.Background(), "reader-1", "doc-1", "", true)
	if err != nil {
		t.Fatalf("content failed: %v", err)
	}
	if payload["revision"] != revision {
		t.Errorf("revision %v", payload["revision"])
	}
	if len(cache.renders) != 1 {
		t.Fatalf("expected a cached render, have %d", len(cache.renders))
	}

	// Second read must come from the cache even if the store starts failing.
	fs.listScopeHighlightsFn = func(ctx context.Context, ownerID, documentID, chapterID string) ([]store.Highlight, error) {
		t.Fatal("render cache was bypassed")
		return nil, nil
	}
	again, err := svc.DocumentContent(context.Background(), "reader-1", "doc-1", "", true)
	if err != nil {
		t.Fatalf("cached content failed: %v", err)
	}
	if again["revision"] != revision {
		t.Errorf("cached revision %v", again["revision"])
	}

	// marks=false skips rendering and the cache.
	raw, err := svc.DocumentContent(context.Background(), "reader-1", "doc-1", "", false)
	if err != nil {
		t.Fatalf("raw content failed: %v", err)
	}
	if raw["marks"] != false {
		t.Errorf("marks %v", raw["marks"])
	}
}

func TestRenderCacheNotReusedAcrossRevisions(t *testing.T) {
	fs := &fakeStore{}
	fc := &fakeContent{}
	body := highlight.Doc(highlight.Paragraph(highlight.TextNode("First voyage.")))
	revision := contentrepo.Fingerprint(highlight.Project(body))
	fs.getDocumentFn = func(ctx context.Context, ownerID, documentID string) (store.Document, error) {
		return store.Document{ID: documentID, OwnerID: ownerID, Title: "Voyage Notes", Revision: revision}, nil
	}
	fc.headFn = func(documentID string) (contentrepo.Snapshot, store.CommitInfo, error) {
		return contentrepo.Snapshot{Body: body}, store.CommitInfo{Hash: "commit-1"}, nil
	}
	cache := newFakeCache()
	svc := newTestService(testDeps{store: fs, content: fc, cache: cache})

	first, err := svc.DocumentContent(context.Background(), "reader-1", "doc-1", "", true)
	if err != nil {
		t.Fatalf("content failed: %v", err)
	}

	// A content sync moves the revision; the render cached under the old one
	// must not be served for the new one.
	body = highlight.Doc(highlight.Paragraph(highlight.TextNode("Second voyage.")))
	revision = contentrepo.Fingerprint(highlight.Project(body))

	second, err := svc.DocumentContent(context.Background(), "reader-1", "doc-1", "", true)
	if err != nil {
		t.Fatalf("content after sync failed: %v", err)
	}
	if second["revision"] == first["revision"] {
		t.Fatalf("revision did not move: %v", second["revision"])
	}
	if second["revision"] != revision {
		t.Fatalf("revision = %v, want %v", second["revision"], revision)
	}
	if len(cache.renders) != 2 {
		t.Fatalf("expected one cached render per revision, have %d", len(cache.renders))
	}
}

func TestDocumentContentRequiresChapterForChapteredDoc(t *testing.T) {
	fs := &fakeStore{}
	fs.getDocumentFn = func(ctx context.Context, ownerID, documentID string) (store.Document, error) {
		return store.Document{ID: documentID, OwnerID: ownerID}, nil
	}
	fc := &fakeContent{headFn: func(documentID string) (contentrepo.Snapshot, store.CommitInfo, error) {
		return contentrepo.Snapshot{Chapters: map[string]highlight.Content{
			"ch1": highlight.Doc(highlight.Paragraph(highlight.TextNode("text"))),
		}}, store.CommitInfo{}, nil
	}}
	svc := newTestService(testDeps{store: fs, content: fc})

	_, err := svc.DocumentContent(context.Background(), "reader-1", "doc-1", "", true)
	if status := domainStatus(t, err); status != 422 {
		t.Fatalf("status = %d, want 422", status)
	}
}

func TestSummary(t *testing.T) {
	fs := &fakeStore{summaryCountsFn: func(ctx context.Context, ownerID string) (store.SummaryCounts, error) {
		return store.SummaryCounts{Documents: 2, Chapters: 5, Highlights: 9, Notes: 3}, nil
	}}
	svc := newTestService(testDeps{store: fs})
	payload, err := svc.Summary(context.Background(), "reader-1")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if payload["highlights"] != 9 || payload["notes"] != 3 {
		t.Errorf("payload %+v", payload)
	}
}

func TestContentHistory(t *testing.T) {
	fs := &fakeStore{getDocumentFn: func(ctx context.Context, ownerID, documentID string) (store.Document, error) {
		return store.Document{ID: documentID, OwnerID: ownerID}, nil
	}}
	fc := &fakeContent{historyFn: func(documentID string, limit int) ([]store.CommitInfo, error) {
		return []store.CommitInfo{{Hash: "b", Message: "Content sync"}, {Hash: "a", Message: "Content sync"}}, nil
	}}
	svc := newTestService(testDeps{store: fs, content: fc})
	payload, err := svc.ContentHistory(context.Background(), "reader-1", "doc-1", 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	commits := payload["commits"].([]map[string]any)
	if len(commits) != 2 || commits[0]["hash"] != "b" {
		t.Errorf("commits %+v", commits)
	}
}

// domainStatus unwraps a DomainError and returns its HTTP status.
func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var dom *DomainError
	if !errors.As(err, &dom) {
		t.Fatalf("err = %v, want a domain error", err)
	}
	return dom.Status
}

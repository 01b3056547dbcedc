package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultHighlight ResultType = "highlight"
	ResultDocument  ResultType = "document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Note       string     `json:"note,omitempty"`
	DocumentID string     `json:"documentId"`
	ChapterID  string     `json:"chapterId,omitempty"`
}

// Query describes a search request. OwnerID is never empty: readers only
// search their own library.
type Query struct {
	OwnerID          string
	Text             string
	FilterType       ResultType // empty = all types
	FilterDocumentID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexHighlight(h HighlightRecord) error
	IndexDocument(d DocumentRecord) error
	DeleteHighlight(id string) error
	DeleteDocument(id string) error
}

// HighlightRecord is the data we index for a highlight. DocumentTitle is
// denormalized so hits can show their source without a second lookup.
type HighlightRecord struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	DocumentID    string `json:"documentId"`
	ChapterID     string `json:"chapterId"`
	DocumentTitle string `json:"documentTitle"`
	Text          string `json:"text"`
	Note          string `json:"note"`
}

// DocumentRecord is the data we index for a library document.
type DocumentRecord struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Title   string `json:"title"`
	Author  string `json:"author"`
}

package store

import "time"

type Reader struct {
	ID          string
	DisplayName string
	Email       string
	DigestOptIn bool
	CreatedAt   time.Time
}

type Document struct {
	ID        string
	OwnerID   string
	Title     string
	Author    string
	Source    string
	Language  string
	Revision  string
	WordCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chapter is one sub-document of a chaptered work. Single-body documents
// have no chapters; their highlights carry an empty chapter id.
type Chapter struct {
	ID         string
	DocumentID string
	Title      string
	SortOrder  int
	Revision   string
	WordCount  int
	UpdatedAt  time.Time
}

// Highlight is one stored highlight row. StartPos and EndPos are byte
// offsets into the plain-text projection of the revision named by Revision.
type Highlight struct {
	ID         string
	OwnerID    string
	DocumentID string
	ChapterID  string
	Text       string
	StartPos   int
	EndPos     int
	Note       string
	Revision   string
	CreatedAt  time.Time
}

type Suggestion struct {
	ID         string
	OwnerID    string
	DocumentID string
	ChapterID  string
	Text       string
	Reason     string
	Status     string
	CreatedAt  time.Time
}

type ShareLink struct {
	ID          string
	OwnerID     string
	DocumentID  string
	TokenHash   string
	PassHash    string
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	AccessCount int
	CreatedAt   time.Time
}

// LibraryEntry is a document with its reading-list counts.
type LibraryEntry struct {
	Document
	ChapterCount   int
	HighlightCount int
}

type SummaryCounts struct {
	Documents  int
	Chapters   int
	Highlights int
	Notes      int
}

// CommitInfo describes one content snapshot in a document's history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

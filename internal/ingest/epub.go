// Package ingest turns EPUB files into library documents: structured content
// trees per spine chapter, chapter titles from the NCX table of contents, and
// descriptive metadata with optional YAML sidecar overrides.
package ingest

import (
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/taylorskalyo/goreader/epub"
	"github.com/zeebo/blake3"

	"marginalia/api/internal/highlight"
)

// Metadata is the descriptive part of an ingested book.
type Metadata struct {
	Title    string
	Author   string
	Language string
}

// Chapter is one readable spine item of an ingested book.
type Chapter struct {
	ID        string
	Title     string
	Href      string
	Content   highlight.Content
	WordCount int
}

// Book is a parsed EPUB ready for syncing into the library.
type Book struct {
	Metadata Metadata
	Chapters []Chapter
}

// WordCount sums the word counts of all chapters.
func (b *Book) WordCount() int {
	total := 0
	for _, ch := range b.Chapters {
		total += ch.WordCount
	}
	return total
}

// OpenBook parses an EPUB file into chapters with structured content.
// Unreadable or empty spine items are skipped; chapters take their titles
// from the NCX table of contents when one resolves, positional fallbacks
// otherwise.
func OpenBook(filename string) (*Book, error) {
	rc, err := epub.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	defer rc.Close()

	if len(rc.Rootfiles) == 0 {
		return nil, fmt.Errorf("no rootfiles found in epub")
	}
	book := rc.Rootfiles[0]

	meta := Metadata{
		Title:    strings.TrimSpace(book.Metadata.Title),
		Author:   strings.TrimSpace(book.Metadata.Creator),
		Language: strings.TrimSpace(book.Metadata.Language),
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}

	titles := ncxTitles(filename, book)

	chapters := make([]Chapter, 0, len(book.Spine.Itemrefs))
	for i, ref := range book.Spine.Itemrefs {
		if ref.Item == nil {
			continue
		}

		r, err := ref.Item.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			continue
		}

		content, err := ContentFromXHTML(data)
		if err != nil || content == nil {
			continue
		}

		words := len(strings.Fields(highlight.Project(content)))
		if words == 0 {
			continue
		}

		href := ref.Item.HREF
		title := lookupTitle(titles, href)
		if title == "" {
			title = fmt.Sprintf("Section %d", i+1)
		}

		chapters = append(chapters, Chapter{
			ID:        chapterID(href),
			Title:     title,
			Href:      href,
			Content:   content,
			WordCount: words,
		})
	}

	if len(chapters) == 0 {
		return nil, fmt.Errorf("epub has no readable chapters")
	}

	return &Book{Metadata: meta, Chapters: chapters}, nil
}

// chapterID derives a stable id from the spine href, so re-ingesting the
// same book keeps existing highlights scoped to the right chapter.
func chapterID(href string) string {
	sum := blake3.Sum256([]byte(href))
	return "ch_" + hex.EncodeToString(sum[:])[:16]
}

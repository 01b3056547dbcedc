package export

import (
	"fmt"
	"strings"
	"time"

	"marginalia/api/internal/store"
)

// notesMarkdown renders the "book notes" file: every highlight of the
// document grouped by chapter, blockquoted, with the reader's note under it.
func notesMarkdown(doc store.Document, chapters []store.Chapter, highlights []store.Highlight) *Result {
	var sb strings.Builder

	sb.WriteString("# " + doc.Title + "\n\n")
	if doc.Author != "" {
		sb.WriteString("by " + doc.Author + "\n\n")
	}
	sb.WriteString(fmt.Sprintf("%d highlights, exported %s.\n",
		len(highlights), time.Now().Format("January 2, 2006")))

	byChapter := groupByChapter(highlights)
	known := make(map[string]bool, len(chapters))
	for _, ch := range chapters {
		known[ch.ID] = true
		items := byChapter[ch.ID]
		if len(items) == 0 {
			continue
		}
		sb.WriteString("\n## " + ch.Title + "\n")
		writeMarkdownHighlights(&sb, items)
	}

	// Highlights outside any known chapter: the whole set for a single-body
	// document, strays for a chaptered one.
	rest := make([]store.Highlight, 0)
	for _, item := range highlights {
		if !known[item.ChapterID] {
			rest = append(rest, item)
		}
	}
	if len(rest) > 0 {
		if len(chapters) > 0 {
			sb.WriteString("\n## Highlights\n")
		}
		writeMarkdownHighlights(&sb, rest)
	}

	return &Result{
		Data:     []byte(sb.String()),
		Filename: sanitizeFilename(doc.Title) + "-notes.md",
		MimeType: "text/markdown; charset=utf-8",
	}
}

func writeMarkdownHighlights(sb *strings.Builder, items []store.Highlight) {
	for _, item := range items {
		sb.WriteString("\n")
		for _, line := range strings.Split(item.Text, "\n") {
			sb.WriteString("> " + line + "\n")
		}
		if item.Note != "" {
			sb.WriteString("\n" + item.Note + "\n")
		}
	}
}

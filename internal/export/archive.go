package export

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ulikunitz/xz"
)

// archiveManifest describes the archive contents for import tooling.
type archiveManifest struct {
	Owner      string    `json:"owner"`
	ExportedAt time.Time `json:"exportedAt"`
	Documents  int       `json:"documents"`
	Highlights int       `json:"highlights"`
}

type archiveDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	Source    string    `json:"source,omitempty"`
	Language  string    `json:"language,omitempty"`
	WordCount int       `json:"wordCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type archiveHighlight struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	ChapterID  string    `json:"chapterId,omitempty"`
	Text       string    `json:"text"`
	Note       string    `json:"note,omitempty"`
	StartPos   int       `json:"startPos"`
	EndPos     int       `json:"endPos"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExportLibrary packs the reader's whole library, documents and highlights as
// newline-delimited JSON, into a tar.xz archive.
func (s *Service) ExportLibrary(ctx context.Context, ownerID string) (*Result, error) {
	entries, err := s.store.ListLibrary(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list library: %w", err)
	}

	var docsBuf, highlightsBuf bytes.Buffer
	totalHighlights := 0
	for _, entry := range entries {
		if err := writeJSONLine(&docsBuf, archiveDocument{
			ID:        entry.ID,
			Title:     entry.Title,
			Author:    entry.Author,
			Source:    entry.Source,
			Language:  entry.Language,
			WordCount: entry.WordCount,
			CreatedAt: entry.CreatedAt,
		}); err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}

		highlights, err := s.store.ListHighlights(ctx, ownerID, entry.ID)
		if err != nil {
			return nil, fmt.Errorf("list highlights: %w", err)
		}
		for _, item := range highlights {
			if err := writeJSONLine(&highlightsBuf, archiveHighlight{
				ID:         item.ID,
				DocumentID: item.DocumentID,
				ChapterID:  item.ChapterID,
				Text:       item.Text,
				Note:       item.Note,
				StartPos:   item.StartPos,
				EndPos:     item.EndPos,
				CreatedAt:  item.CreatedAt,
			}); err != nil {
				return nil, fmt.Errorf("encode highlight: %w", err)
			}
			totalHighlights++
		}
	}

	manifest, err := json.MarshalIndent(archiveManifest{
		Owner:      ownerID,
		ExportedAt: time.Now().UTC(),
		Documents:  len(entries),
		Highlights: totalHighlights,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	var buf bytes.Buffer
	xzWriter, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create xz writer: %w", err)
	}
	tarWriter := tar.NewWriter(xzWriter)

	if err := writeTarFile(tarWriter, "manifest.json", manifest); err != nil {
		return nil, err
	}
	if err := writeTarFile(tarWriter, "documents.jsonl", docsBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := writeTarFile(tarWriter, "highlights.jsonl", highlightsBuf.Bytes()); err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := xzWriter.Close(); err != nil {
		return nil, fmt.Errorf("close xz writer: %w", err)
	}

	s.record("archive")
	s.log.Info().
		Str("owner_id", ownerID).
		Int("documents", len(entries)).
		Int("highlights", totalHighlights).
		Msg("library archive generated")

	return &Result{
		Data:     buf.Bytes(),
		Filename: "marginalia-library.tar.xz",
		MimeType: "application/x-xz",
	}, nil
}

func writeJSONLine(buf *bytes.Buffer, value any) error {
	line, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

// writeTarFile writes one file to the archive.
func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"net/http"
	"os"

	"marginalia/api/internal/export"
	"marginalia/api/internal/ingest"
	"marginalia/api/internal/util"
)

// ExportDocument renders one annotated document in the requested format.
func (s *Service) ExportDocument(ctx context.Context, ownerID, documentID, rawFormat string, includeNotes bool) (*export.Result, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, validationError(err.Error(), nil)
	}
	result, err := s.export.Export(ctx, export.Request{
		OwnerID:      ownerID,
		DocumentID:   documentID,
		Format:       format,
		IncludeNotes: includeNotes,
	})
	if err != nil {
		return nil, exportError(err)
	}
	if s.metrics != nil {
		s.metrics.RecordExport(string(format))
	}
	s.archiveArtifact(ctx, ownerID, result)
	return result, nil
}

// ExportLibrary packs the reader's whole library into a tar.xz archive.
func (s *Service) ExportLibrary(ctx context.Context, ownerID string) (*export.Result, error) {
	result, err := s.export.ExportLibrary(ctx, ownerID)
	if err != nil {
		return nil, exportError(err)
	}
	if s.metrics != nil {
		s.metrics.RecordExport("library")
	}
	s.archiveArtifact(ctx, ownerID, result)
	return result, nil
}

// archiveArtifact keeps a copy of an export in blob storage when one is
// configured. Storage trouble never fails the download.
func (s *Service) archiveArtifact(ctx context.Context, ownerID string, result *export.Result) {
	if s.blobs == nil {
		return
	}
	key, err := s.blobs.PutArtifact(ctx, ownerID, result.Filename, result.MimeType, result.Data)
	if err != nil {
		s.log.Warn().Err(err).Str("filename", result.Filename).Msg("artifact upload failed")
		return
	}
	s.log.Debug().Str("key", key).Msg("export artifact stored")
}

func exportError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, export.ErrContentUnavailable):
		return domainError(http.StatusNotFound, "CONTENT_UNAVAILABLE", "document content is not available for export", nil)
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return domainError(http.StatusNotImplemented, "EXPORT_UNAVAILABLE", err.Error(), nil)
	}
	return err
}

// IngestEPUB stages an uploaded EPUB, parses it and syncs its chapters as
// document content. The upload itself lands in blob storage when configured.
func (s *Service) IngestEPUB(ctx context.Context, ownerName, documentID, filename string, data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, validationError("uploaded file is empty", nil)
	}
	// The EPUB reader wants a file path, so the upload goes through a
	// temp file.
	tmp, err := os.CreateTemp("", "marginalia-upload-*.epub")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	book, err := ingest.OpenBook(tmp.Name())
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_EPUB", err.Error(), nil)
	}
	if documentID == "" {
		documentID = util.NewID("doc")
	}
	input := SyncInput{
		DocumentID: documentID,
		Owner:      ownerName,
		Title:      firstNonBlank(book.Metadata.Title, filename),
		Author:     book.Metadata.Author,
		Language:   book.Metadata.Language,
		Source:     filename,
	}
	for i, chapter := range book.Chapters {
		input.Chapters = append(input.Chapters, SyncChapterInput{
			ID:       chapter.ID,
			Title:    chapter.Title,
			Position: i,
			Content:  chapter.Content,
		})
	}

	payload, err := s.HandleContentSync(ctx, input)
	if err != nil {
		return nil, err
	}
	if s.blobs != nil {
		if key, err := s.blobs.PutSource(ctx, documentID, filename, data); err != nil {
			s.log.Warn().Err(err).Str("document_id", documentID).Msg("source upload failed")
		} else {
			payload["sourceKey"] = key
		}
	}
	if s.metrics != nil {
		s.metrics.IngestDocumentsTotal.Inc()
	}
	payload["title"] = input.Title
	payload["wordCount"] = book.WordCount()
	s.log.Info().
		Str("document_id", documentID).
		Str("filename", filename).
		Int("chapters", len(book.Chapters)).
		Msg("epub ingested")
	return payload, nil
}

package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"marginalia/api/internal/contentrepo"
	"marginalia/api/internal/highlight"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/metrics"
	"marginalia/api/internal/store"
)

// DataStore defines the data access the exporter needs
type DataStore interface {
	GetDocument(ctx context.Context, ownerID, documentID string) (store.Document, error)
	ListChapters(ctx context.Context, documentID string) ([]store.Chapter, error)
	ListHighlights(ctx context.Context, ownerID, documentID string) ([]store.Highlight, error)
	ListLibrary(ctx context.Context, ownerID string) ([]store.LibraryEntry, error)
}

// ContentSource loads document content for annotated renditions.
type ContentSource interface {
	HeadSnapshot(documentID string) (contentrepo.Snapshot, store.CommitInfo, error)
}

// Service provides document export functionality
type Service struct {
	store   DataStore
	content ContentSource
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewService creates a new export service. met may be nil.
func NewService(store DataStore, content ContentSource, log *logger.Logger, met *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		content: content,
		log:     log.Component("export"),
		metrics: met,
	}
}

// Export generates an export of one document in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.store.GetDocument(ctx, req.OwnerID, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	chapters, err := s.store.ListChapters(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	highlights, err := s.store.ListHighlights(ctx, req.OwnerID, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}

	var result *Result
	switch req.Format {
	case FormatMarkdown:
		result = notesMarkdown(doc, chapters, highlights)
	case FormatPDF, FormatDOCX:
		annotated, err := s.annotatedHTML(doc, chapters, highlights, req.IncludeNotes)
		if err != nil {
			return nil, err
		}
		if req.Format == FormatPDF {
			result, err = exportPDF(ctx, annotated, doc.Title)
		} else {
			result, err = exportDOCX(ctx, annotated, doc.Title)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	s.record(string(req.Format))
	s.log.Info().
		Str("document_id", doc.ID).
		Str("format", string(req.Format)).
		Int("bytes", len(result.Data)).
		Msg("export generated")
	return result, nil
}

// annotatedHTML renders the document with its highlight markers injected and
// lays the sections out through the export template.
func (s *Service) annotatedHTML(doc store.Document, chapters []store.Chapter, highlights []store.Highlight, includeNotes bool) (string, error) {
	snap, _, err := s.content.HeadSnapshot(doc.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:      doc.Title,
		Author:     doc.Author,
		ExportedAt: time.Now(),
	}

	byChapter := groupByChapter(highlights)
	unrendered := 0

	if len(chapters) > 0 {
		for _, ch := range chapters {
			content, ok := snap.Chapters[ch.ID]
			if !ok || content == nil {
				continue
			}
			section, missed := buildSection(ch.Title, content, byChapter[ch.ID], ch.Revision, includeNotes)
			unrendered += missed
			data.Sections = append(data.Sections, section)
		}
	} else {
		if snap.Body == nil {
			return "", fmt.Errorf("%w: document has no content", ErrContentUnavailable)
		}
		section, missed := buildSection("", snap.Body, highlights, doc.Revision, includeNotes)
		unrendered += missed
		data.Sections = append(data.Sections, section)
	}

	if unrendered > 0 {
		s.log.Warn().
			Str("document_id", doc.ID).
			Int("unrendered", unrendered).
			Msg("highlights not locatable in exported content")
	}

	return RenderDocumentHTML(data)
}

func buildSection(title string, content highlight.Content, items []store.Highlight, revision string, includeNotes bool) (TemplateSection, int) {
	marked, report := highlight.Render(content, toRecords(items), revision)
	section := TemplateSection{
		Title:       title,
		ContentHTML: template.HTML(ContentToHTML(marked)),
	}
	if includeNotes {
		for _, item := range items {
			if item.Note == "" {
				continue
			}
			section.Notes = append(section.Notes, TemplateNote{Text: item.Text, Note: item.Note})
		}
	}
	return section, len(report.Unrendered)
}

func groupByChapter(highlights []store.Highlight) map[string][]store.Highlight {
	grouped := make(map[string][]store.Highlight)
	for _, item := range highlights {
		grouped[item.ChapterID] = append(grouped[item.ChapterID], item)
	}
	return grouped
}

func toRecords(items []store.Highlight) []highlight.Record {
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

func (s *Service) record(format string) {
	if s.metrics != nil {
		s.metrics.RecordExport(format)
	}
}

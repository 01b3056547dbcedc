// Package export turns a reader's documents and highlights into portable
// artifacts: annotated PDF and DOCX renditions, a Markdown notes file, and a
// whole-library archive.
package export

import (
	"errors"
)

// Format represents the export output format
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatMarkdown Format = "markdown"
)

// ParseFormat maps a query-string value onto a Format.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case FormatPDF, FormatDOCX, FormatMarkdown:
		return Format(raw), nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", errors.New("unsupported export format: " + raw)
	}
}

// Request contains parameters for an export operation
type Request struct {
	OwnerID    string
	DocumentID string
	Format     Format
	// IncludeNotes appends each section's noted highlights after its
	// content in the annotated PDF and DOCX renditions.
	IncludeNotes bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrContentUnavailable indicates document content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s any) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate *template.Template

func init() {
	// Custom template functions
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/document.html")
	if err != nil {
		// Fallback to built-in template if file not found
		documentTemplate = template.Must(template.New("document").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	documentTemplate = template.Must(template.New("document").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title      string
	Author     string
	Owner      string
	ExportedAt time.Time
	Sections   []TemplateSection
}

// TemplateSection is one rendered stretch of content: a chapter of a book,
// or the whole body of a single-body document (empty Title).
type TemplateSection struct {
	Title       string
	ContentHTML template.HTML
	Notes       []TemplateNote
}

// TemplateNote pairs a highlighted passage with the reader's note on it.
type TemplateNote struct {
	Text string
	Note string
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.7; max-width: 760px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    mark { background: #ffe9a8; }
    .notes { background: #f9f7f1; padding: 1rem; margin: 1.5rem 0; border-left: 3px solid #d4b106; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{if .Author}}{{.Author}} | {{end}}Exported {{formatDate .ExportedAt "Jan 2, 2006"}}</div>
  {{range .Sections}}
  {{if .Title}}<h2>{{.Title}}</h2>{{end}}
  <div>{{.ContentHTML | safeHTML}}</div>
  {{if .Notes}}
  <div class="notes">
    <h3>Notes</h3>
    {{range .Notes}}<p><em>&ldquo;{{.Text}}&rdquo;</em><br>{{.Note}}</p>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`

package export

import (
	"fmt"
	"html"
	"strings"

	"marginalia/api/internal/highlight"
)

// ContentToHTML converts a structured content tree, usually one the renderer
// already injected highlight markers into, to HTML.
func ContentToHTML(content highlight.Content) string {
	if content == nil {
		return ""
	}
	return renderNode(content)
}

// renderNode recursively renders a content node to HTML
func renderNode(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	if nodeType == "" {
		return ""
	}

	switch nodeType {
	case "doc":
		return renderContent(node["content"])
	case "paragraph":
		content := renderContent(node["content"])
		return fmt.Sprintf("<p>%s</p>\n", content)
	case "heading":
		level := headingLevel(node)
		content := renderContent(node["content"])
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, content, level)
	case "bulletList":
		content := renderContent(node["content"])
		return fmt.Sprintf("<ul>\n%s</ul>\n", content)
	case "orderedList":
		content := renderContent(node["content"])
		return fmt.Sprintf("<ol>\n%s</ol>\n", content)
	case "listItem":
		content := renderContent(node["content"])
		return fmt.Sprintf("<li>%s</li>\n", content)
	case "blockquote":
		content := renderContent(node["content"])
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", content)
	case "codeBlock":
		// Text leaves are escaped where they render, so the content is
		// already safe to wrap.
		content := renderContent(node["content"])
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", content)
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]any)
		return renderTextWithMarks(text, marks)
	case "hardBreak":
		return "<br>"
	case "table":
		content := renderContent(node["content"])
		return fmt.Sprintf("<table>\n%s</table>\n", content)
	case "tableRow":
		content := renderContent(node["content"])
		return fmt.Sprintf("<tr>\n%s</tr>\n", content)
	case "tableCell":
		content := renderContent(node["content"])
		return fmt.Sprintf("<td>%s</td>\n", content)
	case "tableHeader":
		content := renderContent(node["content"])
		return fmt.Sprintf("<th>%s</th>\n", content)
	default:
		// Unknown node type, render content if any
		return renderContent(node["content"])
	}
}

func headingLevel(node map[string]any) int {
	level := 1
	if attrs, ok := node["attrs"].(map[string]any); ok {
		// int straight from the ingest pipeline, float64 after a JSON
		// round trip through the content repository.
		switch lvl := attrs["level"].(type) {
		case int:
			level = lvl
		case float64:
			level = int(lvl)
		}
	}
	if level < 1 || level > 6 {
		level = 1
	}
	return level
}

// renderContent renders a slice of content nodes
func renderContent(content any) string {
	if content == nil {
		return ""
	}

	items, ok := content.([]any)
	if !ok {
		return ""
	}

	var result strings.Builder
	for _, item := range items {
		if node, ok := item.(map[string]any); ok {
			result.WriteString(renderNode(node))
		}
	}
	return result.String()
}

// renderTextWithMarks renders text with formatting marks
func renderTextWithMarks(text string, marks []any) string {
	if text == "" {
		return ""
	}

	htmlText := html.EscapeString(text)

	if len(marks) == 0 {
		return htmlText
	}

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)

		switch markType {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "code":
			htmlText = fmt.Sprintf("<code>%s</code>", htmlText)
		case "link":
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				if hrefVal, ok := attrs["href"].(string); ok {
					href = hrefVal
				}
			}
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		case highlight.MarkType:
			group := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				if groupVal, ok := attrs[highlight.GroupAttr].(string); ok {
					group = groupVal
				}
			}
			htmlText = fmt.Sprintf(`<mark data-highlight-group="%s">%s</mark>`, html.EscapeString(group), htmlText)
		}
	}

	return htmlText
}

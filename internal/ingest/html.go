package ingest

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"marginalia/api/internal/highlight"
)

var spaceRun = regexp.MustCompile(`\s+`)

// ContentFromXHTML converts one XHTML chapter into a structured content
// tree. Block elements map to their tree equivalents, inline formatting
// becomes marks, and whitespace that only exists because of source
// formatting is collapsed. Returns nil when the chapter has no visible text.
func ContentFromXHTML(data []byte) (highlight.Content, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse xhtml: %w", err)
	}

	body := findElement(root, "body")
	if body == nil {
		body = root
	}

	blocks := blockNodes(body)
	if len(blocks) == 0 {
		return nil, nil
	}
	return highlight.Doc(blocks...), nil
}

// blockNodes walks element children, mapping block tags and wrapping any
// bare inline runs in implicit paragraphs.
func blockNodes(n *html.Node) []any {
	var blocks []any
	var inline []any

	flush := func() {
		if b := finishBlock("paragraph", nil, inline); b != nil {
			blocks = append(blocks, b)
		}
		inline = nil
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			inline = append(inline, inlineText(c.Data, nil)...)
			continue
		}
		if c.Type != html.ElementNode {
			continue
		}

		switch c.Data {
		case "p":
			flush()
			if b := finishBlock("paragraph", nil, inlineNodes(c, nil)); b != nil {
				blocks = append(blocks, b)
			}
		case "h1", "h2", "h3", "h4", "h5", "h6":
			flush()
			attrs := map[string]any{"level": int(c.Data[1] - '0')}
			if b := finishBlock("heading", attrs, inlineNodes(c, nil)); b != nil {
				blocks = append(blocks, b)
			}
		case "ul", "ol":
			flush()
			typ := "bulletList"
			if c.Data == "ol" {
				typ = "orderedList"
			}
			if items := listItems(c); len(items) > 0 {
				blocks = append(blocks, highlight.Content{"type": typ, "content": items})
			}
		case "blockquote":
			flush()
			if inner := blockNodes(c); len(inner) > 0 {
				blocks = append(blocks, highlight.Content{"type": "blockquote", "content": inner})
			}
		case "pre":
			flush()
			if text := rawText(c); strings.TrimSpace(text) != "" {
				blocks = append(blocks, highlight.Content{
					"type":    "codeBlock",
					"content": []any{highlight.TextNode(text)},
				})
			}
		case "table":
			flush()
			if tbl := tableNode(c); tbl != nil {
				blocks = append(blocks, tbl)
			}
		case "div", "section", "article", "main", "aside", "figure", "header", "footer", "nav":
			flush()
			blocks = append(blocks, blockNodes(c)...)
		case "br":
			inline = append(inline, highlight.Content{"type": "hardBreak"})
		case "script", "style":
			// skip
		default:
			inline = append(inline, inlineNodes(c, nil)...)
		}
	}

	flush()
	return blocks
}

// inlineNodes collects text leaves under n, layering formatting marks as it
// descends.
func inlineNodes(n *html.Node, marks []any) []any {
	var out []any
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			out = append(out, inlineText(c.Data, marks)...)
		case html.ElementNode:
			switch c.Data {
			case "br":
				out = append(out, highlight.Content{"type": "hardBreak"})
			case "b", "strong":
				out = append(out, inlineNodes(c, appendMark(marks, "bold", nil))...)
			case "i", "em":
				out = append(out, inlineNodes(c, appendMark(marks, "italic", nil))...)
			case "code":
				out = append(out, inlineNodes(c, appendMark(marks, "code", nil))...)
			case "a":
				attrs := map[string]any{}
				if href := htmlAttr(c, "href"); href != "" {
					attrs["href"] = href
				}
				out = append(out, inlineNodes(c, appendMark(marks, "link", attrs))...)
			case "script", "style":
				// skip
			default:
				out = append(out, inlineNodes(c, marks)...)
			}
		}
	}
	return out
}

func inlineText(s string, marks []any) []any {
	s = spaceRun.ReplaceAllString(s, " ")
	if s == "" {
		return nil
	}
	leaf := highlight.Content{"type": "text", "text": s}
	if len(marks) > 0 {
		leaf["marks"] = marks
	}
	return []any{leaf}
}

// appendMark copies the mark stack; sibling branches must not share slices.
func appendMark(marks []any, typ string, attrs map[string]any) []any {
	mark := highlight.Content{"type": typ}
	if len(attrs) > 0 {
		mark["attrs"] = attrs
	}
	out := make([]any, 0, len(marks)+1)
	out = append(out, marks...)
	return append(out, mark)
}

// finishBlock trims whitespace that XHTML source formatting leaves at block
// edges and drops blocks with no visible text.
func finishBlock(typ string, attrs map[string]any, inline []any) highlight.Content {
	trimmed := trimEdges(inline)
	if len(trimmed) == 0 {
		return nil
	}
	block := highlight.Content{"type": typ, "content": trimmed}
	if len(attrs) > 0 {
		block["attrs"] = attrs
	}
	return block
}

func trimEdges(inline []any) []any {
	for len(inline) > 0 {
		leaf, ok := inline[0].(highlight.Content)
		if !ok {
			break
		}
		if leaf["type"] == "hardBreak" {
			inline = inline[1:]
			continue
		}
		text, _ := leaf["text"].(string)
		trimmed := strings.TrimLeft(text, " ")
		if trimmed == "" {
			inline = inline[1:]
			continue
		}
		leaf["text"] = trimmed
		break
	}

	for len(inline) > 0 {
		leaf, ok := inline[len(inline)-1].(highlight.Content)
		if !ok {
			break
		}
		if leaf["type"] == "hardBreak" {
			inline = inline[:len(inline)-1]
			continue
		}
		text, _ := leaf["text"].(string)
		trimmed := strings.TrimRight(text, " ")
		if trimmed == "" {
			inline = inline[:len(inline)-1]
			continue
		}
		leaf["text"] = trimmed
		break
	}

	return inline
}

func listItems(list *html.Node) []any {
	var items []any
	for c := list.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "li" {
			continue
		}
		inner := blockNodes(c)
		if len(inner) == 0 {
			continue
		}
		items = append(items, highlight.Content{"type": "listItem", "content": inner})
	}
	return items
}

func tableNode(table *html.Node) highlight.Content {
	var rows []any
	var walkRows func(n *html.Node)
	walkRows = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "tr":
				if row := tableRow(c); row != nil {
					rows = append(rows, row)
				}
			case "thead", "tbody", "tfoot":
				walkRows(c)
			}
		}
	}
	walkRows(table)

	if len(rows) == 0 {
		return nil
	}
	return highlight.Content{"type": "table", "content": rows}
}

func tableRow(tr *html.Node) highlight.Content {
	var cells []any
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		var typ string
		switch c.Data {
		case "td":
			typ = "tableCell"
		case "th":
			typ = "tableHeader"
		default:
			continue
		}
		inner := blockNodes(c)
		if len(inner) == 0 {
			continue
		}
		cells = append(cells, highlight.Content{"type": typ, "content": inner})
	}

	if len(cells) == 0 {
		return nil
	}
	return highlight.Content{"type": "tableRow", "content": cells}
}

// rawText concatenates text descendants verbatim, for code blocks where
// whitespace is meaningful.
func rawText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Trim(b.String(), "\n")
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func htmlAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

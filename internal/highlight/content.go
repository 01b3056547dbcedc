// Package highlight implements the text-highlighting engine: plain-text
// projection of structured content, selection reconciliation, interval
// classification, mutation planning, and markup rendering.
package highlight

import (
	"encoding/json"
	"fmt"
)

// Content is a structured rich-text document: a tree of block and inline
// nodes in the editor's JSON shape ({"type": ..., "content": [...],
// "text": ..., "marks": [...]}).
type Content = map[string]any

// blockTypes are the node types that open a new block-level container.
// Crossing from one of these into a different one introduces a boundary
// space in the projection.
var blockTypes = map[string]struct{}{
	"paragraph":   {},
	"heading":     {},
	"bulletList":  {},
	"orderedList": {},
	"listItem":    {},
	"blockquote":  {},
	"codeBlock":   {},
	"table":       {},
	"tableRow":    {},
	"tableCell":   {},
	"tableHeader": {},
}

func isBlock(nodeType string) bool {
	_, ok := blockTypes[nodeType]
	return ok
}

// ParseContent decodes a serialized content tree.
func ParseContent(raw []byte) (Content, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty content")
	}
	var node Content
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return node, nil
}

// EncodeContent serializes a content tree.
func EncodeContent(content Content) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return raw, nil
}

func nodeType(node Content) string {
	t, _ := node["type"].(string)
	return t
}

func nodeText(node Content) string {
	t, _ := node["text"].(string)
	return t
}

func nodeChildren(node Content) []any {
	children, _ := node["content"].([]any)
	return children
}

func nodeMarks(node Content) []any {
	marks, _ := node["marks"].([]any)
	return marks
}

// TextNode builds a plain text leaf.
func TextNode(text string) Content {
	return Content{"type": "text", "text": text}
}

// Paragraph wraps inline nodes in a paragraph block.
func Paragraph(children ...any) Content {
	return Content{"type": "paragraph", "content": children}
}

// Doc wraps block nodes in a document root.
func Doc(children ...any) Content {
	return Content{"type": "doc", "content": children}
}

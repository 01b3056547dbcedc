package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/api/internal/highlight"
)

func TestContentFromXHTMLParagraphs(t *testing.T) {
	src := `<html><head><title>ignored</title></head><body>
		<h1>Chapter 1</h1>
		<p>This is the <b>first</b> paragraph.</p>
		<p>
			This is the second paragraph
			with a newline.
		</p>
	</body></html>`

	content, err := ContentFromXHTML([]byte(src))
	require.NoError(t, err)
	require.NotNil(t, content)

	blocks := content["content"].([]any)
	require.Len(t, blocks, 3)

	heading := blocks[0].(highlight.Content)
	assert.Equal(t, "heading", heading["type"])
	assert.Equal(t, map[string]any{"level": 1}, heading["attrs"])

	assert.Equal(t,
		"Chapter 1 This is the first paragraph. This is the second paragraph with a newline.",
		highlight.Project(content))
}

func TestContentFromXHTMLMarks(t *testing.T) {
	src := `<html><body><p>Visit <a href="https://example.com">the <em>archive</em></a> soon.</p></body></html>`

	content, err := ContentFromXHTML([]byte(src))
	require.NoError(t, err)

	blocks := content["content"].([]any)
	require.Len(t, blocks, 1)
	para := blocks[0].(highlight.Content)
	leaves := para["content"].([]any)
	require.Len(t, leaves, 4)

	plain := leaves[0].(highlight.Content)
	assert.Equal(t, "Visit ", plain["text"])
	_, marked := plain["marks"]
	assert.False(t, marked)

	linked := leaves[1].(highlight.Content)
	assert.Equal(t, "the ", linked["text"])
	marks := linked["marks"].([]any)
	require.Len(t, marks, 1)
	link := marks[0].(highlight.Content)
	assert.Equal(t, "link", link["type"])
	assert.Equal(t, map[string]any{"href": "https://example.com"}, link["attrs"])

	nested := leaves[2].(highlight.Content)
	assert.Equal(t, "archive", nested["text"])
	nestedMarks := nested["marks"].([]any)
	require.Len(t, nestedMarks, 2)
	assert.Equal(t, "link", nestedMarks[0].(highlight.Content)["type"])
	assert.Equal(t, "italic", nestedMarks[1].(highlight.Content)["type"])

	tail := leaves[3].(highlight.Content)
	assert.Equal(t, " soon.", tail["text"])
}

func TestContentFromXHTMLLists(t *testing.T) {
	src := `<html><body>
		<ul>
			<li>First point</li>
			<li>Second <i>point</i>
				<ol><li>Nested</li></ol>
			</li>
		</ul>
	</body></html>`

	content, err := ContentFromXHTML([]byte(src))
	require.NoError(t, err)

	blocks := content["content"].([]any)
	require.Len(t, blocks, 1)
	list := blocks[0].(highlight.Content)
	assert.Equal(t, "bulletList", list["type"])

	items := list["content"].([]any)
	require.Len(t, items, 2)

	second := items[1].(highlight.Content)
	assert.Equal(t, "listItem", second["type"])
	parts := second["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "paragraph", parts[0].(highlight.Content)["type"])
	assert.Equal(t, "orderedList", parts[1].(highlight.Content)["type"])

	assert.Equal(t, "First point Second point Nested", highlight.Project(content))
}

func TestContentFromXHTMLTable(t *testing.T) {
	src := `<html><body><table>
		<thead><tr><th>Name</th><th>Role</th></tr></thead>
		<tbody><tr><td>Ishmael</td><td>narrator</td></tr></tbody>
	</table></body></html>`

	content, err := ContentFromXHTML([]byte(src))
	require.NoError(t, err)

	blocks := content["content"].([]any)
	require.Len(t, blocks, 1)
	table := blocks[0].(highlight.Content)
	assert.Equal(t, "table", table["type"])

	rows := table["content"].([]any)
	require.Len(t, rows, 2)

	head := rows[0].(highlight.Content)
	cells := head["content"].([]any)
	require.Len(t, cells, 2)
	assert.Equal(t, "tableHeader", cells[0].(highlight.Content)["type"])

	bodyRow := rows[1].(highlight.Content)
	assert.Equal(t, "tableCell", bodyRow["content"].([]any)[0].(highlight.Content)["type"])

	assert.Equal(t, "Name Role Ishmael narrator", highlight.Project(content))
}

func TestContentFromXHTMLCodeBlock(t *testing.T) {
	src := "<html><body><pre>line one\nline two</pre></body></html>"

	content, err := ContentFromXHTML([]byte(src))
	require.NoError(t, err)

	blocks := content["content"].([]any)
	require.Len(t, blocks, 1)
	code := blocks[0].(highlight.Content)
	assert.Equal(t, "codeBlock", code["type"])

	leaf := code["content"].([]any)[0].(highlight.Content)
	assert.Equal(t, "line one\nline two", leaf["text"])
}

func TestContentFromXHTMLHardBreak(t *testing.T) {
	src := "<html><body><p>one<br/>two</p></body></html>"

	content, err := ContentFromXHTML([]byte(src))
	require.NoError(t, err)

	para := content["content"].([]any)[0].(highlight.Content)
	leaves := para["content"].([]any)
	require.Len(t, leaves, 3)
	assert.Equal(t, "hardBreak", leaves[1].(highlight.Content)["type"])

	assert.Equal(t, "one two", highlight.Project(content))
}

func TestContentFromXHTMLEmpty(t *testing.T) {
	content, err := ContentFromXHTML([]byte(`<html><body><p>   </p><div></div></body></html>`))
	require.NoError(t, err)
	assert.Nil(t, content)
}

func TestContentFromXHTMLImplicitParagraph(t *testing.T) {
	src := `<html><body><div>Some <span>nested</span> text.</div></body></html>`

	content, err := ContentFromXHTML([]byte(src))
	require.NoError(t, err)

	blocks := content["content"].([]any)
	require.Len(t, blocks, 1)
	assert.Equal(t, "paragraph", blocks[0].(highlight.Content)["type"])
	assert.Equal(t, "Some nested text.", highlight.Project(content))
}

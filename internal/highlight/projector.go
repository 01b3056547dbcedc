package highlight

import "strings"

// projWalker flattens a content tree in document order. Block boundaries and
// hard breaks contribute single spaces; everything else is leaf text verbatim.
// The same cursor rules are replayed by the renderer walk, so a projection
// offset always identifies one position in the tree.
type projWalker struct {
	sb        strings.Builder
	pos       int
	lastBlock int
	blockSeq  int
	emitted   bool
	pending   bool

	// onText, when set, observes every emitted leaf with its projection
	// start offset (after any boundary space).
	onText func(node Content, start int)
}

func (w *projWalker) walk(node Content, block int) {
	switch nodeType(node) {
	case "text":
		text := nodeText(node)
		if text == "" {
			return
		}
		if w.emitted && (block != w.lastBlock || w.pending) {
			w.sb.WriteByte(' ')
			w.pos++
		}
		w.pending = false
		if w.onText != nil {
			w.onText(node, w.pos)
		}
		w.sb.WriteString(text)
		w.pos += len(text)
		w.lastBlock = block
		w.emitted = true
	case "hardBreak":
		if w.emitted {
			w.pending = true
		}
	default:
		current := block
		if isBlock(nodeType(node)) {
			w.blockSeq++
			current = w.blockSeq
		}
		for _, child := range nodeChildren(node) {
			if childNode, ok := child.(map[string]any); ok {
				w.walk(childNode, current)
			}
		}
	}
}

// Project flattens structured content into its canonical plain-text form, the
// coordinate space for all stored highlight offsets. The walk is pure and
// deterministic: identical input always yields identical output and offsets.
// Exactly one separating space is inserted whenever traversal crosses from one
// block-level container into a different one; nested blocks use only the
// nearest block ancestor for boundary detection, and empty blocks contribute
// no text. Offsets are byte offsets into the UTF-8 projection and always fall
// on rune boundaries.
func Project(content Content) string {
	if content == nil {
		return ""
	}
	w := &projWalker{}
	w.walk(content, 0)
	return w.sb.String()
}

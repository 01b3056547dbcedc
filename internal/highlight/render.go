package highlight

import (
	"sort"
	"strings"
)

// MarkType is the inline marker applied to rendered text segments.
const MarkType = "highlight"

// GroupAttr is the marker attribute carrying the highlight-group identifier.
// A highlight split across structural boundaries renders as several markers
// sharing one group value, so the display layer can treat them as one unit.
const GroupAttr = "group"

// Report summarizes one render pass.
type Report struct {
	// Unrendered lists highlights no strategy could locate. They stay
	// stored and listed; they are simply not marked in this rendering.
	Unrendered []string
	// ExactFallbacks counts highlights located by literal text search after
	// their offsets went stale.
	ExactFallbacks int
	// PatternFallbacks counts highlights located by the token pattern that
	// permits intervening whitespace between words.
	PatternFallbacks int
}

type renderStrategy int

const (
	byPosition renderStrategy = iota
	byExactText
	byTokenPattern
)

type resolvedSpan struct {
	Span
	group string
}

// Render re-inserts highlight markers into structured content without
// changing anything else about the tree. Offsets are used directly while the
// record's revision matches the current one; otherwise the highlight's text
// is searched in the projection and the match closest to the stored start
// wins. Markers are injected by splitting the covered text leaves, so output
// structure is valid by construction regardless of which strategy located
// the span. The input tree is not modified.
func Render(content Content, records []Record, revision string) (Content, Report) {
	projection := Project(content)

	order := make([]int, len(records))
	for i := range records {
		order[i] = i
	}
	// Longest text first, so a short highlight whose text is a substring of
	// a longer one cannot steal its occurrence or double-wrap it.
	sort.SliceStable(order, func(i, j int) bool {
		a, b := records[order[i]], records[order[j]]
		if la, lb := len(Normalize(a.Text)), len(Normalize(b.Text)); la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	var report Report
	var spans []resolvedSpan
	var claimed []Span
	for _, idx := range order {
		record := records[idx]
		span, strategy, ok := resolveSpan(record, projection, revision)
		if !ok {
			report.Unrendered = append(report.Unrendered, record.ID)
			continue
		}
		// A relocated span already swallowed by a longer highlight would
		// only double-wrap text that is marked anyway.
		if strategy != byPosition && coveredBy(span, claimed) {
			continue
		}
		switch strategy {
		case byExactText:
			report.ExactFallbacks++
		case byTokenPattern:
			report.PatternFallbacks++
		}
		spans = append(spans, resolvedSpan{Span: span, group: record.ID})
		claimed = append(claimed, span)
	}

	w := &renderWalker{spans: spans}
	rebuilt := w.rebuildNode(content, 0)
	if len(rebuilt) == 0 {
		return Content{}, report
	}
	return rebuilt[0], report
}

func resolveSpan(record Record, projection, revision string) (Span, renderStrategy, bool) {
	if record.Revision != "" && record.Revision == revision &&
		Verify(projection, record.Start, record.End, record.Text) {
		return Span{Start: record.Start, End: record.End}, byPosition, true
	}
	if occ := literalOccurrences(projection, record.Text); len(occ) > 0 {
		return closestTo(occ, record.Start), byExactText, true
	}
	if occ := Occurrences(projection, record.Text); len(occ) > 0 {
		return closestTo(occ, record.Start), byTokenPattern, true
	}
	return Span{}, byPosition, false
}

func literalOccurrences(projection, text string) [][2]int {
	if text == "" {
		return nil
	}
	var spans [][2]int
	for i := 0; ; {
		j := strings.Index(projection[i:], text)
		if j < 0 {
			break
		}
		start := i + j
		spans = append(spans, [2]int{start, start + len(text)})
		i = start + 1
	}
	return spans
}

func closestTo(occurrences [][2]int, target int) Span {
	best := occurrences[0]
	bestDistance := distance(best[0], target)
	for _, occ := range occurrences[1:] {
		if d := distance(occ[0], target); d < bestDistance {
			best = occ
			bestDistance = d
		}
	}
	return Span{Start: best[0], End: best[1]}
}

func coveredBy(span Span, claimed []Span) bool {
	for _, c := range claimed {
		if c.contains(span) {
			return true
		}
	}
	return false
}

// renderWalker replays the projector's cursor rules while rebuilding the tree,
// splitting text leaves at resolved span edges.
type renderWalker struct {
	pos       int
	lastBlock int
	blockSeq  int
	emitted   bool
	pending   bool
	spans     []resolvedSpan
}

func (w *renderWalker) rebuildNode(node Content, block int) []Content {
	switch nodeType(node) {
	case "text":
		text := nodeText(node)
		if text == "" {
			return nil
		}
		if w.emitted && (block != w.lastBlock || w.pending) {
			w.pos++
		}
		w.pending = false
		start := w.pos
		w.pos += len(text)
		w.lastBlock = block
		w.emitted = true
		return w.splitText(node, text, start)
	case "hardBreak":
		if w.emitted {
			w.pending = true
		}
		return []Content{cloneNode(node)}
	default:
		current := block
		if isBlock(nodeType(node)) {
			w.blockSeq++
			current = w.blockSeq
		}
		clone := cloneNode(node)
		if children := nodeChildren(node); children != nil {
			rebuilt := make([]any, 0, len(children))
			for _, child := range children {
				childNode, ok := child.(map[string]any)
				if !ok {
					continue
				}
				for _, n := range w.rebuildNode(childNode, current) {
					rebuilt = append(rebuilt, n)
				}
			}
			clone["content"] = rebuilt
		}
		return []Content{clone}
	}
}

// splitText cuts one leaf at every span edge crossing it and attaches marker
// marks to the covered segments. Only text leaves are ever split, so a marker
// can never open inside one structural node and close inside another.
func (w *renderWalker) splitText(node Content, text string, start int) []Content {
	leaf := Span{Start: start, End: start + len(text)}

	var crossing []resolvedSpan
	for _, span := range w.spans {
		if span.overlaps(leaf) {
			crossing = append(crossing, span)
		}
	}
	if len(crossing) == 0 {
		return []Content{cloneNode(node)}
	}

	edges := []int{leaf.Start, leaf.End}
	for _, span := range crossing {
		if span.Start > leaf.Start && span.Start < leaf.End {
			edges = append(edges, span.Start)
		}
		if span.End > leaf.Start && span.End < leaf.End {
			edges = append(edges, span.End)
		}
	}
	sort.Ints(edges)

	baseMarks := nodeMarks(node)
	var segments []Content
	for i := 0; i+1 < len(edges); i++ {
		segStart, segEnd := edges[i], edges[i+1]
		if segEnd <= segStart {
			continue
		}
		segment := cloneNode(node)
		segment["text"] = text[segStart-start : segEnd-start]

		var groups []string
		for _, span := range crossing {
			if span.Start <= segStart && segEnd <= span.End {
				groups = append(groups, span.group)
			}
		}
		if len(groups) > 0 {
			sort.Strings(groups)
			marks := make([]any, 0, len(baseMarks)+len(groups))
			marks = append(marks, baseMarks...)
			for _, group := range groups {
				marks = append(marks, map[string]any{
					"type":  MarkType,
					"attrs": map[string]any{GroupAttr: group},
				})
			}
			segment["marks"] = marks
		}
		segments = append(segments, segment)
	}
	return segments
}

func cloneNode(node Content) Content {
	clone := make(Content, len(node))
	for key, value := range node {
		clone[key] = value
	}
	return clone
}

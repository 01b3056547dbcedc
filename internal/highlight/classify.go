package highlight

import "strings"

// Span is a half-open [Start,End) character range in the projection.
type Span struct {
	Start int
	End   int
}

func (s Span) contains(other Span) bool {
	return s.Start <= other.Start && other.End <= s.End
}

func (s Span) overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// Relation describes how a candidate span relates to an existing span.
type Relation string

const (
	RelNone          Relation = "none"
	RelOverlap       Relation = "overlap"
	RelAdjacent      Relation = "adjacent"
	RelContains      Relation = "contains"
	RelContainedBy   Relation = "containedBy"
	RelEqual         Relation = "equal"
	RelSpansMultiple Relation = "spansMultiple"
)

// SubPosition qualifies containment: which edge of the larger span the
// smaller one touches.
type SubPosition string

const (
	SubNone   SubPosition = ""
	SubStart  SubPosition = "start"
	SubMiddle SubPosition = "middle"
	SubEnd    SubPosition = "end"
)

// Relationship is the classifier's verdict for one existing/candidate pair.
type Relationship struct {
	Rel Relation
	Sub SubPosition
}

// Classify compares a candidate span against an existing span in the
// projection's coordinate space. Disjoint spans separated only by whitespace
// are adjacent; any non-whitespace character in the gap forces none, which
// keeps unrelated punctuation from triggering spurious merges.
func Classify(existing, candidate Span, projection string) Relationship {
	switch {
	case existing == candidate:
		return Relationship{Rel: RelEqual}
	case existing.contains(candidate):
		return Relationship{Rel: RelContainedBy, Sub: subPosition(existing, candidate)}
	case candidate.contains(existing):
		return Relationship{Rel: RelContains, Sub: subPosition(candidate, existing)}
	case existing.overlaps(candidate):
		return Relationship{Rel: RelOverlap}
	}

	gapStart := min(existing.End, candidate.End)
	gapEnd := max(existing.Start, candidate.Start)
	if gapStart < 0 || gapEnd > len(projection) || gapStart > gapEnd {
		return Relationship{Rel: RelNone}
	}
	if strings.TrimSpace(projection[gapStart:gapEnd]) == "" {
		return Relationship{Rel: RelAdjacent}
	}
	return Relationship{Rel: RelNone}
}

func subPosition(outer, inner Span) SubPosition {
	switch {
	case inner.Start == outer.Start:
		return SubStart
	case inner.End == outer.End:
		return SubEnd
	default:
		return SubMiddle
	}
}

// ClassifyText is the best-effort fallback for candidates that carry no
// offsets (AI suggestions). It compares whitespace-normalized strings only.
func ClassifyText(existingText, candidateText string) Relationship {
	existing := Normalize(existingText)
	candidate := Normalize(candidateText)
	switch {
	case existing == "" || candidate == "":
		return Relationship{Rel: RelNone}
	case existing == candidate:
		return Relationship{Rel: RelEqual}
	case strings.Contains(existing, candidate):
		return Relationship{Rel: RelContainedBy, Sub: textSubPosition(existing, candidate)}
	case strings.Contains(candidate, existing):
		return Relationship{Rel: RelContains, Sub: textSubPosition(candidate, existing)}
	case affixOverlap(existing, candidate) > 0:
		return Relationship{Rel: RelOverlap}
	default:
		return Relationship{Rel: RelNone}
	}
}

func textSubPosition(outer, inner string) SubPosition {
	switch {
	case strings.HasPrefix(outer, inner):
		return SubStart
	case strings.HasSuffix(outer, inner):
		return SubEnd
	default:
		return SubMiddle
	}
}

// affixOverlap returns the longest run shared between the end of one string
// and the start of the other, in either direction.
func affixOverlap(a, b string) int {
	longest := 0
	limit := min(len(a), len(b))
	for n := limit; n > longest; n-- {
		if strings.HasSuffix(a, b[:n]) || strings.HasSuffix(b, a[:n]) {
			longest = n
			break
		}
	}
	return longest
}

// Covered reports whether a suggestion's text is already represented in the
// stored set: an exact normalized match or a substring of a stored highlight.
func Covered(stored []Record, text string) bool {
	for i := range stored {
		rel := ClassifyText(stored[i].Text, text)
		if rel.Rel == RelEqual || rel.Rel == RelContainedBy {
			return true
		}
	}
	return false
}

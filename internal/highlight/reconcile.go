package highlight

import (
	"regexp"
	"strings"
)

// Normalize collapses newline and whitespace runs to single spaces and trims
// the ends. Selections and stored text are always compared in this form.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// pattern builds a matcher for the normalized text that tolerates whitespace
// runs between tokens, so a selection crossing a block boundary (one space in
// the projection) or a literal newline (code blocks) still matches.
func pattern(normalized string) *regexp.Regexp {
	tokens := strings.Fields(normalized)
	quoted := make([]string, len(tokens))
	for i, token := range tokens {
		quoted[i] = regexp.QuoteMeta(token)
	}
	return regexp.MustCompile(strings.Join(quoted, `\s+`))
}

// Occurrences enumerates every span of the projection whose text matches the
// normalized selection, including overlapping ones.
func Occurrences(projection, selectedText string) [][2]int {
	normalized := Normalize(selectedText)
	if normalized == "" {
		return nil
	}
	re := pattern(normalized)
	var spans [][2]int
	for i := 0; i <= len(projection); {
		loc := re.FindStringIndex(projection[i:])
		if loc == nil {
			break
		}
		start, end := i+loc[0], i+loc[1]
		spans = append(spans, [2]int{start, end})
		i = start + 1
	}
	return spans
}

// Reconcile maps a live selection into the projection's coordinate space.
// Live on-screen positions may be computed against a rendering that already
// contains highlight markers the canonical projection excludes, so they serve
// only as a hint: the selection text is searched in the projection, and when
// it occurs more than once the occurrence whose start is numerically closest
// to localOffset wins. Zero occurrences fail the interaction.
func Reconcile(selectedText string, localOffset int, projection string) (int, int, error) {
	if Normalize(selectedText) == "" {
		return 0, 0, ErrEmptySelection
	}
	occurrences := Occurrences(projection, selectedText)
	if len(occurrences) == 0 {
		return 0, 0, ErrTextNotFound
	}
	best := occurrences[0]
	bestDistance := distance(best[0], localOffset)
	for _, occ := range occurrences[1:] {
		if d := distance(occ[0], localOffset); d < bestDistance {
			best = occ
			bestDistance = d
		}
	}
	return best[0], best[1], nil
}

/// Verify reports whether [start,end) is a plausible span for the selection:
// in bounds and matching the selection's normalized text. Used to accept
// client-supplied offsets without a search.
func Verify(projection string, start, end int, selectedText string) bool {
	if start < 0 || end <= start || end > len(projection) {
		return false
	}
	return Normalize(projection[start:end]) == Normalize(selectedText)
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

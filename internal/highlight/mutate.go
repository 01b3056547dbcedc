package highlight

import (
	"sort"
	"strings"
)

// Record is one stored highlight as the engine sees it: the span, its text,
// and the revision the offsets were computed against. The surrounding service
// maps these onto persisted rows.
type Record struct {
	ID       string
	Text     string
	Start    int
	End      int
	Note     string
	Revision string
}

// Candidate is a reconciled selection: text plus projection offsets.
type Candidate struct {
	Text  string
	Start int
	End   int
	Note  string
}

// Action names the single mutation path a candidate resolves to.
type Action string

const (
	ActionCreate             Action = "create"
	ActionAlreadyHighlighted Action = "alreadyHighlighted"
	ActionShrink             Action = "shrink"
	ActionSplit              Action = "split"
	ActionMerge              Action = "merge"
)

// Plan is the full effect of one interaction on the stored set, expressed in
// the storage collaborator's two primitives: records to delete and records to
// create. Classification always resolves to exactly one plan; it is never an
// error. Created records carry no ID or revision; the executor assigns both.
type Plan struct {
	Action    Action
	Matched   *Record
	DeleteIDs []string
	Create    []Record
}

// PlanMutation routes a candidate against the stored set and builds the
// resulting plan:
//
//   - no relationship to any stored highlight: create one record
//   - exact span match: already highlighted, offer delete only
//   - contained in one stored highlight touching an edge: shrink it
//   - contained in one stored highlight's interior: split it
//   - overlapping or adjacent to stored highlights, including bridging two of
//     them: merge everything involved into the union span
//
// Re-submitting an identical candidate is a no-op by construction, since it
// routes to alreadyHighlighted rather than create.
func PlanMutation(stored []Record, cand Candidate, projection string) Plan {
	candidate := Span{Start: cand.Start, End: cand.End}

	var equal, containers, involved []*Record
	for i := range stored {
		rel := Classify(Span{Start: stored[i].Start, End: stored[i].End}, candidate, projection)
		switch rel.Rel {
		case RelEqual:
			equal = append(equal, &stored[i])
		case RelContainedBy:
			containers = append(containers, &stored[i])
		case RelOverlap, RelAdjacent, RelContains:
			involved = append(involved, &stored[i])
		}
	}

	switch {
	case len(equal) == 1 && len(containers) == 0 && len(involved) == 0:
		return Plan{Action: ActionAlreadyHighlighted, Matched: equal[0]}
	case len(containers) == 1 && len(equal) == 0 && len(involved) == 0:
		return planWithin(containers[0], candidate, projection)
	case len(equal)+len(containers)+len(involved) == 0:
		return Plan{
			Action: ActionCreate,
			Create: []Record{{
				Text:  projection[candidate.Start:candidate.End],
				Start: candidate.Start,
				End:   candidate.End,
				Note:  cand.Note,
			}},
		}
	default:
		all := append(append(equal, containers...), involved...)
		return planMerge(all, candidate, cand.Note, projection)
	}
}

// planWithin handles a candidate inside exactly one stored highlight: the
// selected part is removed from it. Touching an edge shrinks; an interior
// selection splits. Remainders keep their exact offsets; an empty or
// whitespace-only remainder is dropped, and dropping both removes the
// highlight entirely.
func planWithin(existing *Record, candidate Span, projection string) Plan {
	action := ActionSplit
	if candidate.Start == existing.Start || candidate.End == existing.End {
		action = ActionShrink
	}

	plan := Plan{Action: action, DeleteIDs: []string{existing.ID}}
	remainders := []Span{
		{Start: existing.Start, End: candidate.Start},
		{Start: candidate.End, End: existing.End},
	}
	for _, rem := range remainders {
		if rem.End <= rem.Start {
			continue
		}
		text := projection[rem.Start:rem.End]
		if strings.TrimSpace(text) == "" {
			continue
		}
		plan.Create = append(plan.Create, Record{
			Text:  text,
			Start: rem.Start,
			End:   rem.End,
			Note:  existing.Note,
		})
	}
	return plan
}

// planMerge deletes every involved record and creates one record covering the
// union span. The union text is the projection slice, which splices
// overlapping and adjacent text without duplication. Notes of merged records
// are preserved in offset order.
func planMerge(records []*Record, candidate Span, note string, projection string) Plan {
	union := candidate
	sort.Slice(records, func(i, j int) bool { return records[i].Start < records[j].Start })

	plan := Plan{Action: ActionMerge}
	var notes []string
	for _, record := range records {
		union.Start = min(union.Start, record.Start)
		union.End = max(union.End, record.End)
		plan.DeleteIDs = append(plan.DeleteIDs, record.ID)
		if record.Note != "" {
			notes = append(notes, record.Note)
		}
	}
	if note != "" {
		notes = append(notes, note)
	}

	plan.Create = []Record{{
		Text:  projection[union.Start:union.End],
		Start: union.Start,
		End:   union.End,
		Note:  strings.Join(notes, "\n\n"),
	}}
	return plan
}

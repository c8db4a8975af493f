package ledger

import (
	"strings"

	"github.com/clauseguard/engine/internal/domain"
)

// Segment is one clause's slice of the draft text.
type Segment struct {
	ClauseID string
	Text     string
}

// SegmentsFromClauses snapshots the immutable original document into
// the mutable draft representation.
func SegmentsFromClauses(clauses []*domain.ClauseNode) []Segment {
	segs := make([]Segment, len(clauses))
	for i, c := range clauses {
		segs[i] = Segment{ClauseID: c.ID, Text: c.Text}
	}
	return segs
}

// Rebuild replays applied diffs, in the order they were applied, over
// the original segments and renders the draft. The function is pure:
// rebuilding twice from the same inputs yields byte-identical output.
// When two diffs touch overlapping text the later-applied one wins.
func Rebuild(original []Segment, applied []domain.Diff) string {
	segs := make([]Segment, len(original))
	copy(segs, original)

	for _, d := range applied {
		segs = Mutate(segs, d)
	}

	texts := make([]string, 0, len(segs))
	for _, s := range segs {
		texts = append(texts, s.Text)
	}
	return strings.Join(texts, "\n\n")
}

// Mutate applies a single diff to the draft segments and returns the
// updated slice. Unknown targets are a no-op: a diff that survived
// approval always targeted a clause that existed at proposal time,
// and rebuilds must stay total.
func Mutate(segs []Segment, d domain.Diff) []Segment {
	switch d.Kind {
	case domain.MutationReplace:
		for i := range segs {
			if segs[i].ClauseID == d.ClauseID {
				segs[i].Text = d.EffectiveText()
				break
			}
		}
		return segs

	case domain.MutationBatchReplace:
		inScope := func(string) bool { return true }
		if len(d.Params.Scope) > 0 {
			scope := make(map[string]struct{}, len(d.Params.Scope))
			for _, id := range d.Params.Scope {
				scope[id] = struct{}{}
			}
			inScope = func(id string) bool {
				_, ok := scope[id]
				return ok
			}
		}
		replacement := d.EffectiveText()
		for i := range segs {
			if d.Params.Find != "" && inScope(segs[i].ClauseID) {
				segs[i].Text = strings.ReplaceAll(segs[i].Text, d.Params.Find, replacement)
			}
		}
		return segs

	case domain.MutationInsert:
		inserted := Segment{ClauseID: "ins:" + d.ID, Text: d.EffectiveText()}
		if d.Params.AfterClauseID == "" {
			return append([]Segment{inserted}, segs...)
		}
		for i := range segs {
			if segs[i].ClauseID == d.Params.AfterClauseID {
				out := make([]Segment, 0, len(segs)+1)
				out = append(out, segs[:i+1]...)
				out = append(out, inserted)
				out = append(out, segs[i+1:]...)
				return out
			}
		}
		// Target vanished (e.g. it was itself an insert that was
		// later reverted): append at the end rather than dropping.
		return append(segs, inserted)
	}
	return segs
}

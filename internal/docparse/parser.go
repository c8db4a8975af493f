// Package docparse turns raw document text into a clause tree.
//
// Parsing is total over document content: any text, however
// malformed, yields at least one clause. Only a non-compiling
// numbering pattern (a configuration mistake) is an error.
package docparse

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/clauseguard/engine/internal/domain"
)

// DefaultClausePattern matches dotted decimal numbering such as
// "4", "4.1" or "4.1.2" at the start of a line. The first capture
// group is the clause id.
const DefaultClausePattern = `^(\d+(?:\.\d+)*)[.)]?\s+`

// Options configures a parse. ClausePattern must place the clause id
// in its first capture group. ChapterPattern is optional and marks
// top-level chapter headings that carry no numbering of their own.
type Options struct {
	ClausePattern  string
	ChapterPattern string
}

// Tree is a parsed document: the clause hierarchy plus a flat lookup
// table for O(1) retrieval by clause id.
type Tree struct {
	Root  *domain.ClauseNode
	index map[string]*domain.ClauseNode
	order []*domain.ClauseNode
}

// Lookup returns the node with the given id. Superseded occurrences
// are re-keyed at parse time, so ids in the index are unique.
func (t *Tree) Lookup(id string) (*domain.ClauseNode, bool) {
	n, ok := t.index[id]
	return n, ok
}

// Flatten returns every clause in document order. The slice is a
// copy; the nodes are the tree's own (immutable by convention).
func (t *Tree) Flatten() []*domain.ClauseNode {
	out := make([]*domain.ClauseNode, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of clauses in document order.
func (t *Tree) Len() int {
	return len(t.order)
}

// Parse builds a clause tree from raw text. If no clause heading is
// recognized anywhere, the whole text degrades to a single synthetic
// clause rather than an error.
func Parse(raw string, opts Options) (*Tree, error) {
	pattern := opts.ClausePattern
	if pattern == "" {
		pattern = DefaultClausePattern
	}
	clauseRe, err := regexp.Compile(pattern)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrBadPattern.Code, fmt.Sprintf("clause pattern %q", pattern), err)
	}
	var chapterRe *regexp.Regexp
	if opts.ChapterPattern != "" {
		chapterRe, err = regexp.Compile(opts.ChapterPattern)
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrBadPattern.Code, fmt.Sprintf("chapter pattern %q", opts.ChapterPattern), err)
		}
	}

	t := &Tree{
		Root:  &domain.ClauseNode{ID: "root", Flags: []domain.ClauseFlag{domain.FlagSynthetic}},
		index: make(map[string]*domain.ClauseNode),
	}

	var current *domain.ClauseNode
	syntheticSeq := 0
	chapterSeq := 0

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimRight(line, " \t\r")

		if chapterRe != nil && chapterRe.MatchString(trimmed) {
			chapterSeq++
			current = t.addClause(fmt.Sprintf("ch-%d", chapterSeq), trimmed, 1, domain.FlagSynthetic)
			continue
		}

		if m := clauseRe.FindStringSubmatch(trimmed); m != nil && len(m) > 1 {
			id := m[1]
			depth := strings.Count(id, ".") + 1
			current = t.addClause(id, trimmed, depth)
			continue
		}

		if strings.TrimSpace(trimmed) == "" {
			continue
		}

		// Unnumbered text continues the current clause; leading text
		// before any recognizable clause becomes a synthetic one.
		if current != nil {
			current.Text += "\n" + trimmed
			continue
		}
		syntheticSeq++
		current = t.addClause(fmt.Sprintf("u-%d", syntheticSeq), trimmed, 1,
			domain.FlagSynthetic, domain.FlagUnstructured)
	}

	// Parsing must be total: an empty or unrecognizable document
	// degrades to one synthetic clause wrapping everything.
	if len(t.order) == 0 {
		t.addClause("u-1", raw, 1, domain.FlagSynthetic, domain.FlagUnstructured)
	}

	t.linkCrossRefs()
	return t, nil
}

// addClause creates a node, resolves its parent from the numbering
// prefix chain, and registers it in the index. A duplicate id
// supersedes the earlier occurrence: the old node keeps its place in
// document order but is flagged and re-keyed so ids stay unique.
func (t *Tree) addClause(id, text string, depth int, flags ...domain.ClauseFlag) *domain.ClauseNode {
	if prev, ok := t.index[id]; ok {
		occ := 1
		for {
			rekeyed := fmt.Sprintf("%s@%d", id, occ)
			if _, taken := t.index[rekeyed]; !taken {
				prev.ID = rekeyed
				prev.Flags = append(prev.Flags, domain.FlagSuperseded)
				t.index[rekeyed] = prev
				break
			}
			occ++
		}
		delete(t.index, id)
	}

	node := &domain.ClauseNode{
		ID:    id,
		Text:  text,
		Depth: depth,
		Flags: flags,
	}

	parent := t.parentFor(id)
	node.Parent = parent
	if parent != t.Root {
		node.Depth = parent.Depth + 1
	}
	parent.Children = append(parent.Children, node)

	t.index[id] = node
	t.order = append(t.order, node)
	return node
}

// parentFor finds the nearest ancestor by stripping numbering
// components: the parent of "4.1.2" is "4.1" if present, else "4",
// else the root.
func (t *Tree) parentFor(id string) *domain.ClauseNode {
	parts := strings.Split(id, ".")
	for i := len(parts) - 1; i > 0; i-- {
		prefix := strings.Join(parts[:i], ".")
		if p, ok := t.index[prefix]; ok {
			return p
		}
	}
	return t.Root
}

// linkCrossRefs records, per clause, literal references to other
// clause ids found in its text. References are edges, not ownership.
// A match must stand alone: "4.1" does not count as a reference to
// clause "4", and a clause's own heading number is ignored.
func (t *Tree) linkCrossRefs() {
	for _, node := range t.order {
		body := strings.TrimPrefix(node.Text, node.ID)
		for id, target := range t.index {
			if target == node || target.HasFlag(domain.FlagSynthetic) {
				continue
			}
			// A trailing sentence period is fine ("see clause 5.") but a
			// dotted continuation is not ("5.1" is not a reference to "5").
			re := regexp.MustCompile(`(^|[^\d.])` + regexp.QuoteMeta(id) + `(\.?$|\.[^\d]|[^\d.])`)
			if re.MatchString(body) {
				node.CrossRefs = append(node.CrossRefs, id)
			}
		}
		sort.Strings(node.CrossRefs)
	}
}

package review

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clauseguard/engine/internal/domain"
)

// Checklist defines, per clause category, which skills the
// orchestrator must run and in what order. It is loaded once per
// domain at session start and read-only during the session.
type Checklist struct {
	items    []domain.ChecklistItem
	patterns []*regexp.Regexp
}

type checklistFile struct {
	Checklist []domain.ChecklistItem `yaml:"checklist"`
}

// LoadChecklist reads and compiles a checklist YAML file.
func LoadChecklist(path string) (*Checklist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checklist file: %w", err)
	}

	var file checklistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse checklist YAML: %w", err)
	}
	return NewChecklist(file.Checklist)
}

// NewChecklist validates and compiles checklist items. Items are
// ordered by descending priority, ties by declaration order.
func NewChecklist(items []domain.ChecklistItem) (*Checklist, error) {
	ordered := make([]domain.ChecklistItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	c := &Checklist{items: ordered}
	for i, item := range ordered {
		if strings.TrimSpace(item.ClausePattern) == "" {
			return nil, fmt.Errorf("checklist[%d]: clause_pattern is required", i)
		}
		if len(item.Skills) == 0 {
			return nil, fmt.Errorf("checklist[%d] (%s): at least one skill is required", i, item.ClausePattern)
		}
		re, err := regexp.Compile(item.ClausePattern)
		if err != nil {
			return nil, fmt.Errorf("checklist[%d]: pattern %q: %w", i, item.ClausePattern, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Match returns the checklist items applicable to a clause id, in
// priority order.
func (c *Checklist) Match(clauseID string) []domain.ChecklistItem {
	var out []domain.ChecklistItem
	for i, re := range c.patterns {
		if re.MatchString(clauseID) {
			out = append(out, c.items[i])
		}
	}
	return out
}

// Blocking reports whether a skill failure aborts the session for
// this item instead of being recorded and skipped.
func Blocking(item domain.ChecklistItem, skillID string) bool {
	for _, b := range item.Blocking {
		if b == skillID {
			return true
		}
	}
	return false
}

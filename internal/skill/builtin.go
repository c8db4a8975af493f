package skill

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/clauseguard/engine/internal/domain"
)

// Builtins returns the compiled-in local skill handlers, keyed by the
// skill id used in registration files. A local registration whose id
// has no builtin handler is a deployment mistake and fails startup.
func Builtins() map[string]Handler {
	return map[string]Handler{
		"placeholder-check": placeholderCheck,
		"weak-obligation":   weakObligation,
		"long-clause":       longClause,
	}
}

var placeholderRe = regexp.MustCompile(`(?i)\bTBD\b|\bTO BE DETERMINED\b|\[_+\]|_{3,}`)

// placeholderCheck flags unfinished drafting artifacts left in a
// clause. It proposes no mutation; a human has to supply the text.
func placeholderCheck(ctx context.Context, input domain.SkillInput) (domain.SkillOutput, error) {
	var out domain.SkillOutput
	for _, m := range placeholderRe.FindAllString(input.ClauseText, -1) {
		out.Findings = append(out.Findings, domain.Finding{
			Kind:     "placeholder",
			Message:  fmt.Sprintf("clause %s contains unresolved placeholder %q", input.ClauseID, m),
			Severity: "high",
		})
	}
	return out, nil
}

// weakObligation proposes replacing non-binding obligation language
// with its enforceable form.
func weakObligation(ctx context.Context, input domain.SkillInput) (domain.SkillOutput, error) {
	replacements := []struct{ find, replace string }{
		{"best efforts", "commercially reasonable efforts"},
		{"endeavour to", "shall"},
		{"endeavor to", "shall"},
	}

	var out domain.SkillOutput
	for _, r := range replacements {
		if !strings.Contains(strings.ToLower(input.ClauseText), r.find) {
			continue
		}
		out.Findings = append(out.Findings, domain.Finding{
			Kind:     "weak_obligation",
			Message:  fmt.Sprintf("clause %s uses non-binding language %q", input.ClauseID, r.find),
			Severity: "medium",
		})
		out.Mutations = append(out.Mutations, domain.ProposedMutation{
			Kind: domain.MutationBatchReplace,
			Params: domain.MutationParams{
				Find:    r.find,
				Replace: r.replace,
				Scope:   []string{input.ClauseID},
			},
			Reason:   fmt.Sprintf("replace %q with %q", r.find, r.replace),
			Severity: "medium",
		})
	}
	return out, nil
}

// longClause flags clauses that exceed a readable length.
func longClause(ctx context.Context, input domain.SkillInput) (domain.SkillOutput, error) {
	const maxWords = 120
	if n := len(strings.Fields(input.ClauseText)); n > maxWords {
		return domain.SkillOutput{Findings: []domain.Finding{{
			Kind:     "long_clause",
			Message:  fmt.Sprintf("clause %s has %d words; consider splitting", input.ClauseID, n),
			Severity: "low",
		}}}, nil
	}
	return domain.SkillOutput{}, nil
}

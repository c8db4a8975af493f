package skill

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clauseguard/engine/internal/domain"
)

func writeSkillsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skills.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write skills file: %v", err)
	}
	return path
}

func TestLoadRegistrations(t *testing.T) {
	path := writeSkillsFile(t, `skills:
  - id: placeholder-check
    backend: local
    description: flags unfilled placeholders
  - id: liability-scan
    backend: remote
    workflow_id: wf-liability-v2
    domain: commercial
    status: preview
`)

	regs, err := LoadRegistrations(path)
	if err != nil {
		t.Fatalf("LoadRegistrations: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(regs))
	}
	if regs[0].ID != "placeholder-check" || regs[0].Backend != domain.BackendLocal {
		t.Errorf("first registration = %+v", regs[0])
	}
	// Status defaults to active when omitted.
	if regs[0].Status != domain.SkillActive {
		t.Errorf("default status = %q, want active", regs[0].Status)
	}
	if regs[1].WorkflowID != "wf-liability-v2" || regs[1].Status != domain.SkillPreview {
		t.Errorf("second registration = %+v", regs[1])
	}
}

func TestLoadRegistrations_TrimsWhitespace(t *testing.T) {
	path := writeSkillsFile(t, `skills:
  - id: "  padded  "
    backend: local
`)

	regs, err := LoadRegistrations(path)
	if err != nil {
		t.Fatal(err)
	}
	if regs[0].ID != "padded" {
		t.Errorf("ID = %q, want trimmed", regs[0].ID)
	}
}

func TestLoadRegistrations_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"missing id",
			"skills:\n  - backend: local\n",
			"skill id is required",
		},
		{
			"unknown backend",
			"skills:\n  - id: a\n    backend: grpc\n",
			"backend must be local or remote",
		},
		{
			"remote without workflow",
			"skills:\n  - id: a\n    backend: remote\n",
			"requires workflow_id",
		},
		{
			"bad status",
			"skills:\n  - id: a\n    backend: local\n    status: retired\n",
			"status must be active or preview",
		},
		{
			"duplicate id",
			"skills:\n  - id: a\n    backend: local\n  - id: a\n    backend: local\n",
			"duplicate skill id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSkillsFile(t, tt.yaml)
			_, err := LoadRegistrations(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRegistrations_FileNotFound(t *testing.T) {
	if _, err := LoadRegistrations("/nonexistent/skills.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRegistrations_InvalidYAML(t *testing.T) {
	path := writeSkillsFile(t, "skills: [not: closed")
	if _, err := LoadRegistrations(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

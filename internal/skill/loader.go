package skill

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clauseguard/engine/internal/domain"
)

// registrationFile mirrors the on-disk YAML schema for skill
// registrations.
type registrationFile struct {
	Skills []domain.SkillRegistration `yaml:"skills"`
}

// LoadRegistrations reads skill registrations from a YAML file and
// validates each entry before returning.
func LoadRegistrations(path string) ([]domain.SkillRegistration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skills file: %w", err)
	}

	var file registrationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse skills YAML: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Skills))
	out := make([]domain.SkillRegistration, 0, len(file.Skills))
	for i, reg := range file.Skills {
		reg = normalizeRegistration(reg)
		if err := validateRegistration(reg); err != nil {
			return nil, fmt.Errorf("skills[%d]: %w", i, err)
		}
		if _, dup := seen[reg.ID]; dup {
			return nil, fmt.Errorf("skills[%d]: duplicate skill id %q", i, reg.ID)
		}
		seen[reg.ID] = struct{}{}
		out = append(out, reg)
	}
	return out, nil
}

func normalizeRegistration(reg domain.SkillRegistration) domain.SkillRegistration {
	reg.ID = strings.TrimSpace(reg.ID)
	reg.WorkflowID = strings.TrimSpace(reg.WorkflowID)
	reg.Domain = strings.TrimSpace(reg.Domain)
	if reg.Status == "" {
		reg.Status = domain.SkillActive
	}
	return reg
}

func validateRegistration(reg domain.SkillRegistration) error {
	if reg.ID == "" {
		return fmt.Errorf("skill id is required")
	}
	switch reg.Backend {
	case domain.BackendLocal:
	case domain.BackendRemote:
		if reg.WorkflowID == "" {
			return fmt.Errorf("skill %q: remote backend requires workflow_id", reg.ID)
		}
	default:
		return fmt.Errorf("skill %q: backend must be local or remote, got %q", reg.ID, reg.Backend)
	}
	switch reg.Status {
	case domain.SkillActive, domain.SkillPreview:
	default:
		return fmt.Errorf("skill %q: status must be active or preview, got %q", reg.ID, reg.Status)
	}
	return nil
}

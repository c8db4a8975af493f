// Package config loads the engine's runtime configuration from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/clauseguard/engine/internal/domain"
)

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath     string `json:"db_path"`
	ListenAddr string `json:"listen_addr"`

	// CheckpointBackend selects "sqlite" (default) or "redis".
	CheckpointBackend string `json:"checkpoint_backend"`
	RedisURL          string `json:"redis_url"`
	// ArchiveTTLHours bounds how long a finished session's Redis
	// checkpoint is retained. SQLite checkpoints are kept forever.
	ArchiveTTLHours int `json:"archive_ttl_hours"`

	SkillsFile    string `json:"skills_file"`
	ChecklistFile string `json:"checklist_file"`

	// RemoteBaseURL is the workflow service endpoint for remote
	// skills. Empty disables remote skills; their registrations are
	// skipped with a warning.
	RemoteBaseURL string `json:"remote_base_url"`

	LocalTimeoutSec    int `json:"local_timeout_sec"`
	PollBudgetSec      int `json:"poll_budget_sec"`
	PollBackoffMs      int `json:"poll_backoff_ms"`
	PollMaxBackoffSec  int `json:"poll_max_backoff_sec"`
	MaxTransportErrors int `json:"max_transport_errors"`

	// GateSeverities lists diff severities that pause the walk for
	// approval. Empty, or any entry "all", gates every pending diff.
	GateSeverities []string `json:"gate_severities"`

	// ClausePattern overrides the dotted-decimal clause numbering
	// regex; its first capture group must be the clause id.
	ClausePattern  string `json:"clause_pattern"`
	ChapterPattern string `json:"chapter_pattern"`

	// SessionTTLMin is how long finished sessions stay in memory
	// before eviction. Their checkpoints remain in the store.
	SessionTTLMin      int `json:"session_ttl_min"`
	JanitorIntervalSec int `json:"janitor_interval_sec"`
}

// Load reads a JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9820"
	}
	if c.CheckpointBackend == "" {
		c.CheckpointBackend = "sqlite"
	}
	if c.ArchiveTTLHours == 0 {
		c.ArchiveTTLHours = 168
	}
	if c.LocalTimeoutSec == 0 {
		c.LocalTimeoutSec = 30
	}
	if c.PollBudgetSec == 0 {
		c.PollBudgetSec = 300
	}
	if c.PollBackoffMs == 0 {
		c.PollBackoffMs = 500
	}
	if c.PollMaxBackoffSec == 0 {
		c.PollMaxBackoffSec = 10
	}
	if c.MaxTransportErrors == 0 {
		c.MaxTransportErrors = 3
	}
	if c.SessionTTLMin == 0 {
		c.SessionTTLMin = 30
	}
	if c.JanitorIntervalSec == 0 {
		c.JanitorIntervalSec = 60
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	switch c.CheckpointBackend {
	case "sqlite":
	case "redis":
		if c.RedisURL == "" {
			problems = append(problems, "redis_url is required for the redis checkpoint backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown checkpoint_backend %q", c.CheckpointBackend))
	}
	if c.SkillsFile == "" {
		problems = append(problems, "skills_file is required")
	}
	if c.ChecklistFile == "" {
		problems = append(problems, "checklist_file is required")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

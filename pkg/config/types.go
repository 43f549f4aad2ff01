package config

import (
	"time"

	"github.com/speckit/automation-core/pkg/model"
)

// EvidenceConfig locates the lock-protected evidence tree.
type EvidenceConfig struct {
	Root string `yaml:"root"`
}

// StoreConfig configures the embedded artifact store.
type StoreConfig struct {
	// Path to the SQLite database file. Empty means the XDG-aware default
	// under the user's home directory.
	Path string `yaml:"path"`

	MaxOpenConns  int `yaml:"max_open_conns"`
	MaxIdleConns  int `yaml:"max_idle_conns"`
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`

	// RetentionDays bounds agent_executions rows; see
	// ArtifactStore.CleanupOldExecutions.
	RetentionDays int `yaml:"retention_days"`
}

// BusyTimeout returns the busy-timeout pragma value as a duration.
func (s StoreConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMS) * time.Millisecond
}

// RetryProfileConfig is one named retry profile (write/read/evidence).
type RetryProfileConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoffMS  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterFactor      float64 `yaml:"jitter_factor"`
	MaxElapsedMS      int     `yaml:"max_elapsed_ms"`
}

// RetryConfig groups the per-operation retry profiles.
type RetryConfig struct {
	Write    RetryProfileConfig `yaml:"write"`
	Read     RetryProfileConfig `yaml:"read"`
	Evidence RetryProfileConfig `yaml:"evidence"`
}

// PipelineConfig configures stage sequencing and quality checkpoints.
type PipelineConfig struct {
	// Stages overrides the default main-pipeline ordering. Rarely set.
	Stages []model.Stage `yaml:"stages"`

	QualityGatesEnabled *bool `yaml:"quality_gates_enabled"`

	// ExpectedAgents is the set of agents dispatched per stage and per
	// quality checkpoint, e.g. ["claude", "gpt", "gemini"].
	ExpectedAgents []string `yaml:"expected_agents"`

	// AgentDeadlineSeconds bounds how long a stage waits for agent
	// completions before proceeding degraded.
	AgentDeadlineSeconds int `yaml:"agent_deadline_seconds"`
}

// AgentDeadline returns the degraded-mode deadline as a duration.
func (p PipelineConfig) AgentDeadline() time.Duration {
	return time.Duration(p.AgentDeadlineSeconds) * time.Second
}

// QualityGateConfig configures the broker's data sources and timing.
type QualityGateConfig struct {
	// ResultsDir is the filesystem fallback scanned for agent result
	// files, typically "<cwd>/.code/agents".
	ResultsDir string `yaml:"results_dir"`
}

// SpecKitYAMLConfig is the complete speckit.yaml file structure.
type SpecKitYAMLConfig struct {
	Evidence    *EvidenceConfig    `yaml:"evidence"`
	Store       *StoreConfig       `yaml:"store"`
	Retry       *RetryConfig       `yaml:"retry"`
	Pipeline    *PipelineConfig    `yaml:"pipeline"`
	QualityGate *QualityGateConfig `yaml:"quality_gate"`
}

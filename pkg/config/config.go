// Package config loads and validates the automation core's configuration:
// evidence tree location, embedded store tuning, retry profiles, pipeline
// stage ordering, and quality-gate broker settings.
package config

import (
	"time"

	"github.com/speckit/automation-core/pkg/model"
	"github.com/speckit/automation-core/pkg/retry"
)

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application.
type Config struct {
	configDir string

	Evidence    EvidenceConfig
	Store       StoreConfig
	Retry       RetryConfig
	Pipeline    PipelineConfig
	QualityGate QualityGateConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stages returns the configured main-pipeline ordering, defaulting to the
// fixed Plan→Unlock sequence when the YAML did not override it.
func (c *Config) Stages() []model.Stage {
	if len(c.Pipeline.Stages) > 0 {
		return c.Pipeline.Stages
	}
	return model.MainPipelineStages
}

// QualityGatesEnabled reports whether quality checkpoints run; enabled
// unless explicitly switched off.
func (c *Config) QualityGatesEnabled() bool {
	if c.Pipeline.QualityGatesEnabled == nil {
		return true
	}
	return *c.Pipeline.QualityGatesEnabled
}

// WriteRetry returns the retry.Config for artifact store writes.
func (c *Config) WriteRetry() retry.Config { return toRetryConfig(c.Retry.Write) }

// ReadRetry returns the retry.Config for artifact store reads.
func (c *Config) ReadRetry() retry.Config { return toRetryConfig(c.Retry.Read) }

// EvidenceRetry returns the retry.Config for evidence file writes.
func (c *Config) EvidenceRetry() retry.Config { return toRetryConfig(c.Retry.Evidence) }

func toRetryConfig(p RetryProfileConfig) retry.Config {
	return retry.Config{
		MaxAttempts:       p.MaxAttempts,
		InitialBackoff:    time.Duration(p.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:        time.Duration(p.MaxBackoffMS) * time.Millisecond,
		BackoffMultiplier: p.BackoffMultiplier,
		JitterFactor:      p.JitterFactor,
		MaxElapsed:        time.Duration(p.MaxElapsedMS) * time.Millisecond,
	}
}

// ConfigStats contains statistics about loaded configuration.
type ConfigStats struct {
	Stages         int
	ExpectedAgents int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		Stages:         len(c.Stages()),
		ExpectedAgents: len(c.Pipeline.ExpectedAgents),
	}
}

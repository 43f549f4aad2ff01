package config

import (
	"fmt"

	"github.com/speckit/automation-core/pkg/model"
)

// validate checks the merged configuration for values the core cannot run
// with. Field-by-field checks, no schema library — every failure names the
// section and field.
func validate(cfg *Config) error {
	if cfg.Evidence.Root == "" {
		return &ValidationError{Section: "evidence", Field: "root", Err: ErrMissingRequiredField}
	}
	if cfg.Store.MaxOpenConns <= 0 {
		return &ValidationError{Section: "store", Field: "max_open_conns", Err: ErrInvalidValue}
	}
	if cfg.Store.MaxIdleConns < 0 || cfg.Store.MaxIdleConns > cfg.Store.MaxOpenConns {
		return &ValidationError{Section: "store", Field: "max_idle_conns", Err: ErrInvalidValue}
	}
	if cfg.Store.BusyTimeoutMS <= 0 {
		return &ValidationError{Section: "store", Field: "busy_timeout_ms", Err: ErrInvalidValue}
	}

	for name, p := range map[string]RetryProfileConfig{
		"write":    cfg.Retry.Write,
		"read":     cfg.Retry.Read,
		"evidence": cfg.Retry.Evidence,
	} {
		if err := validateRetryProfile(p); err != nil {
			return &ValidationError{Section: "retry", Field: name, Err: err}
		}
	}

	validStage := make(map[model.Stage]bool, len(model.MainPipelineStages))
	for _, s := range model.MainPipelineStages {
		validStage[s] = true
	}
	for _, s := range cfg.Pipeline.Stages {
		if !validStage[s] {
			return &ValidationError{
				Section: "pipeline",
				Field:   "stages",
				Err:     fmt.Errorf("%w: unknown stage %q", ErrInvalidValue, s),
			}
		}
	}
	if len(cfg.Pipeline.ExpectedAgents) == 0 {
		return &ValidationError{Section: "pipeline", Field: "expected_agents", Err: ErrMissingRequiredField}
	}
	if cfg.Pipeline.AgentDeadlineSeconds <= 0 {
		return &ValidationError{Section: "pipeline", Field: "agent_deadline_seconds", Err: ErrInvalidValue}
	}

	return nil
}

func validateRetryProfile(p RetryProfileConfig) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max_attempts must be positive", ErrInvalidValue)
	}
	if p.InitialBackoffMS <= 0 {
		return fmt.Errorf("%w: initial_backoff_ms must be positive", ErrInvalidValue)
	}
	if p.BackoffMultiplier < 1.0 {
		return fmt.Errorf("%w: backoff_multiplier must be >= 1.0", ErrInvalidValue)
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("%w: jitter_factor must be in [0,1]", ErrInvalidValue)
	}
	return nil
}

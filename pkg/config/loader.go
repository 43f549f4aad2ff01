package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load speckit.yaml from configDir (absent file means all-defaults)
//  2. Merge user-defined values over built-in defaults
//  3. Validate the merged configuration
//  4. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"stages", stats.Stages,
		"expected_agents", stats.ExpectedAgents)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	yamlCfg, err := loadSpecKitYAML(configDir)
	if err != nil {
		return nil, NewLoadError(DefaultConfigFile, err)
	}

	// User-defined values override built-in defaults; mergo fills in every
	// field the YAML left unset or set to its zero value. An explicit
	// quality_gates_enabled is carried across the merge so that false survives.
	var gatesEnabled *bool
	if yamlCfg.Pipeline != nil && yamlCfg.Pipeline.QualityGatesEnabled != nil {
		v := *yamlCfg.Pipeline.QualityGatesEnabled
		gatesEnabled = &v
	}
	defaults := builtinDefaults()
	if err := mergo.Merge(&yamlCfg, defaults); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}
	if gatesEnabled != nil {
		yamlCfg.Pipeline.QualityGatesEnabled = gatesEnabled
	}

	return &Config{
		configDir:   configDir,
		Evidence:    *yamlCfg.Evidence,
		Store:       *yamlCfg.Store,
		Retry:       *yamlCfg.Retry,
		Pipeline:    *yamlCfg.Pipeline,
		QualityGate: *yamlCfg.QualityGate,
	}, nil
}

// loadSpecKitYAML parses configDir/speckit.yaml. A missing file is not an
// error — every setting has a built-in default.
func loadSpecKitYAML(configDir string) (SpecKitYAMLConfig, error) {
	var cfg SpecKitYAMLConfig
	path := filepath.Join(configDir, DefaultConfigFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return cfg, nil
}

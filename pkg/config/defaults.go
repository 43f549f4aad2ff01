package config

// DefaultConfigFile is the YAML file name looked up inside the config
// directory.
const DefaultConfigFile = "speckit.yaml"

// builtinDefaults is the configuration the core runs with when speckit.yaml
// is absent or partial. User-supplied YAML values override these via mergo.
func builtinDefaults() SpecKitYAMLConfig {
	enabled := true
	return SpecKitYAMLConfig{
		Evidence: &EvidenceConfig{
			Root: "docs/SPEC-OPS-004-integrated-coder-hooks/evidence",
		},
		Store: &StoreConfig{
			MaxOpenConns:  10,
			MaxIdleConns:  10,
			BusyTimeoutMS: 5000,
			RetentionDays: 30,
		},
		Retry: &RetryConfig{
			// Writes are more aggressive than reads: write contention at
			// the store is more likely and more survivable than a stale
			// read.
			Write: RetryProfileConfig{
				MaxAttempts:       5,
				InitialBackoffMS:  100,
				MaxBackoffMS:      5000,
				BackoffMultiplier: 1.5,
				JitterFactor:      0.3,
			},
			Read: RetryProfileConfig{
				MaxAttempts:       3,
				InitialBackoffMS:  50,
				MaxBackoffMS:      2000,
				BackoffMultiplier: 2.0,
				JitterFactor:      0.3,
			},
			Evidence: RetryProfileConfig{
				MaxAttempts:       3,
				InitialBackoffMS:  100,
				MaxBackoffMS:      1000,
				BackoffMultiplier: 2.0,
				JitterFactor:      0.2,
			},
		},
		Pipeline: &PipelineConfig{
			QualityGatesEnabled:  &enabled,
			ExpectedAgents:       []string{"claude", "gpt", "gemini"},
			AgentDeadlineSeconds: 120,
		},
		QualityGate: &QualityGateConfig{
			ResultsDir: ".code/agents",
		},
	}
}

package genroute

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level routing configuration.
type Config struct {
	Models []ModelDescriptor `yaml:"models"`
}

// ModelDescriptor configures one routable model. Descriptors are immutable
// once loaded; changing a model's settings means loading a new config.
type ModelDescriptor struct {
	Name                    string  `yaml:"name"`
	Provider                string  `yaml:"provider"`
	Weight                  float64 `yaml:"weight"`
	SpendCeiling            float64 `yaml:"spend_ceiling"`
	LatencyThresholdMS      int64   `yaml:"latency_threshold_ms"`
	WarningRatio            float64 `yaml:"warning_ratio"`
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeoutS  int64   `yaml:"circuit_breaker_timeout_s"`
	CacheEnabled            bool    `yaml:"cache_enabled"`
	CacheTTLSeconds         int64   `yaml:"cache_ttl_seconds"`
	CacheMaxEntries         int     `yaml:"cache_max_entries"`
}

// CircuitBreakerTimeout returns the open-circuit cooldown as a duration.
func (m ModelDescriptor) CircuitBreakerTimeout() time.Duration {
	return time.Duration(m.CircuitBreakerTimeoutS) * time.Second
}

// CacheTTL returns the cache entry lifetime as a duration.
func (m ModelDescriptor) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLSeconds) * time.Second
}

// Descriptor returns the configured descriptor with the given name.
func (c Config) Descriptor(name string) (ModelDescriptor, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelDescriptor{}, false
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("genroute: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("genroute: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("genroute: config: at least one model is required")
	}

	names := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("genroute: config: model[%d]: name is required", i)
		}
		if names[m.Name] {
			return fmt.Errorf("genroute: config: duplicate model name %q", m.Name)
		}
		names[m.Name] = true

		if m.Provider == "" {
			return fmt.Errorf("genroute: config: model[%d] (%s): provider is required", i, m.Name)
		}
		if m.Weight <= 0 {
			return fmt.Errorf("genroute: config: model[%d] (%s): weight must be positive", i, m.Name)
		}
		if m.SpendCeiling < 0 {
			return fmt.Errorf("genroute: config: model[%d] (%s): spend_ceiling must not be negative", i, m.Name)
		}
		if m.WarningRatio < 0 || m.WarningRatio > 1 {
			return fmt.Errorf("genroute: config: model[%d] (%s): warning_ratio must be between 0 and 1", i, m.Name)
		}
		if m.CircuitBreakerThreshold < 1 {
			return fmt.Errorf("genroute: config: model[%d] (%s): circuit_breaker_threshold must be at least 1", i, m.Name)
		}
		if m.CircuitBreakerTimeoutS <= 0 {
			return fmt.Errorf("genroute: config: model[%d] (%s): circuit_breaker_timeout_s must be positive", i, m.Name)
		}
		if m.CacheEnabled && m.CacheTTLSeconds <= 0 {
			return fmt.Errorf("genroute: config: model[%d] (%s): cache_ttl_seconds must be positive when cache is enabled", i, m.Name)
		}
		if m.CacheMaxEntries < 0 {
			return fmt.Errorf("genroute: config: model[%d] (%s): cache_max_entries must not be negative", i, m.Name)
		}
	}

	return nil
}

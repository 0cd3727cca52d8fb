package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"meterline/internal/domain"
)

// Config models meterline.yml.
type Config struct {
	Metering struct {
		// UnitsPerCredit converts raw simulation units to billing credits.
		// Deductions round up: 1500 units at 1000/credit costs 2 credits.
		UnitsPerCredit int64 `yaml:"units_per_credit"`
	} `yaml:"metering"`
	Jobs struct {
		DefaultMaxAttempts int `yaml:"default_max_attempts"`
	} `yaml:"jobs"`
	Plans map[string]PlanOverride `yaml:"plans"`
	Server struct {
		Listen                 string `yaml:"listen"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// PlanOverride replaces the built-in allotments for one tier.
type PlanOverride struct {
	SimulationUnits int64 `yaml:"simulation_units"`
	Exports         int64 `yaml:"exports"`
	Alerts          int64 `yaml:"alerts"`
}

// UnitsPerCredit returns the configured conversion constant, defaulting to
// 1000 raw simulation units per credit.
func (c *Config) UnitsPerCredit() int64 {
	if c != nil && c.Metering.UnitsPerCredit > 0 {
		return c.Metering.UnitsPerCredit
	}
	return 1000
}

// DefaultMaxAttempts returns the attempt limit applied to jobs created
// without one.
func (c *Config) DefaultMaxAttempts() int {
	if c != nil && c.Jobs.DefaultMaxAttempts > 0 {
		return c.Jobs.DefaultMaxAttempts
	}
	return 5
}

// LimitsFor resolves plan limits for a tier, honoring configured overrides.
func (c *Config) LimitsFor(tier domain.Tier) domain.PlanLimits {
	if c != nil {
		if o, ok := c.Plans[string(tier)]; ok {
			return domain.PlanLimits{
				SimulationUnits: o.SimulationUnits,
				Exports:         o.Exports,
				Alerts:          o.Alerts,
			}
		}
	}
	return domain.LimitsFor(tier)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Metering.UnitsPerCredit < 0 {
		return fmt.Errorf("config.metering.units_per_credit must be positive")
	}
	if c.Jobs.DefaultMaxAttempts < 0 {
		return fmt.Errorf("config.jobs.default_max_attempts must be positive")
	}
	for tier, o := range c.Plans {
		switch domain.Tier(tier) {
		case domain.TierFree, domain.TierPro, domain.TierEnterprise:
		default:
			return fmt.Errorf("config.plans contains unknown tier %s", tier)
		}
		if o.SimulationUnits < 0 || o.Exports < 0 || o.Alerts < 0 {
			return fmt.Errorf("config.plans.%s limits must not be negative", tier)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "meterline.yml")
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Metering.UnitsPerCredit = 1000
	cfg.Jobs.DefaultMaxAttempts = 5
	cfg.Server.Listen = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

package config_test

import (
	"testing"

	"meterline/internal/config"
	"meterline/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.UnitsPerCredit() != 1000 {
		t.Fatalf("units per credit: %d", cfg.UnitsPerCredit())
	}
	if cfg.DefaultMaxAttempts() != 5 {
		t.Fatalf("max attempts: %d", cfg.DefaultMaxAttempts())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
metering:
  units_per_credit: 500
jobs:
  default_max_attempts: 3
plans:
  pro:
    simulation_units: 50000
    exports: 200
    alerts: 40
server:
  listen: 0.0.0.0:9000
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UnitsPerCredit() != 500 {
		t.Fatalf("units per credit: %d", cfg.UnitsPerCredit())
	}
	if cfg.DefaultMaxAttempts() != 3 {
		t.Fatalf("max attempts: %d", cfg.DefaultMaxAttempts())
	}
	pro := cfg.LimitsFor(domain.TierPro)
	if pro.SimulationUnits != 50000 || pro.Exports != 200 || pro.Alerts != 40 {
		t.Fatalf("pro override: %+v", pro)
	}
	// Tiers without overrides keep the built-ins.
	free := cfg.LimitsFor(domain.TierFree)
	if free.SimulationUnits != 5000 {
		t.Fatalf("free limits: %+v", free)
	}
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	_, err := config.FromYAML([]byte(`
plans:
  platinum:
    simulation_units: 1
`))
	if err == nil {
		t.Fatal("expected unknown tier to be rejected")
	}
}

func TestValidateRejectsNegativeLimits(t *testing.T) {
	_, err := config.FromYAML([]byte(`
plans:
  free:
    simulation_units: -1
`))
	if err == nil {
		t.Fatal("expected negative limit to be rejected")
	}
}

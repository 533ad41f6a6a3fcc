package tierset

import (
	"time"

	"github.com/skipor/tierset/engine"
	"github.com/skipor/tierset/manifest"
	"github.com/skipor/tierset/tier"
)

type Config struct {
	// Limits are the per-tier budget hard caps.
	Limits tier.Limits
	// SLAs are the per-tier retrieval latency targets. Breaches are soft
	// telemetry, never errors.
	SLAs       tier.SLAs
	Classifier engine.ClassifierConfig
	Engine     engine.Config
	Planner    engine.PlannerConfig
	Gateway    GatewayConfig
	// Journal enables manifest persistence when set.
	Journal *manifest.Config
	// Resolver maps item IDs to content refs. Identity when nil.
	Resolver ContentResolver
}

type GatewayConfig struct {
	// AccessThresholdCold and AccessThresholdWarm are the per-phase-window
	// access counts that trigger an async one-level promotion from the
	// respective tier. Hot items have nowhere to go.
	AccessThresholdCold int64
	AccessThresholdWarm int64
	// AsyncQueue is the pending async promotion buffer. Requests past it
	// are dropped; a missed promotion only costs warmth.
	AsyncQueue int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.AccessThresholdCold == 0 {
		c.AccessThresholdCold = 3
	}
	if c.AccessThresholdWarm == 0 {
		c.AccessThresholdWarm = 8
	}
	if c.AsyncQueue == 0 {
		c.AsyncQueue = 64
	}
	return c
}

func (c GatewayConfig) threshold(t tier.Tier) int64 {
	switch t {
	case tier.Cold:
		return c.AccessThresholdCold
	case tier.Warm:
		return c.AccessThresholdWarm
	}
	return 0
}

func (c Config) withDefaults() Config {
	if c.Limits == (tier.Limits{}) {
		c.Limits = tier.Limits{
			Hot:  tier.UnitsOf(64),
			Warm: tier.UnitsOf(256),
			Cold: tier.UnitsOf(4096),
		}
	}
	if c.SLAs == (tier.SLAs{}) {
		c.SLAs = tier.SLAs{
			Hot:  time.Millisecond,
			Warm: 10 * time.Millisecond,
			Cold: 100 * time.Millisecond,
		}
	}
	c.Gateway = c.Gateway.withDefaults()
	return c
}

// configRecord is the manifest header for this config.
func (c Config) configRecord() manifest.ConfigRecord {
	return manifest.ConfigRecord{
		BudgetHot:       c.Limits.Hot,
		BudgetWarm:      c.Limits.Warm,
		BudgetCold:      c.Limits.Cold,
		SLAHot:          c.SLAs.Hot,
		SLAWarm:         c.SLAs.Warm,
		SLACold:         c.SLAs.Cold,
		RelevanceWeight: c.Classifier.RelevanceWeight,
		CoverageWeight:  c.Classifier.CoverageWeight,
		RecencyWeight:   c.Classifier.RecencyWeight,
	}
}

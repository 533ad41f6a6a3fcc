package engine

import (
	"github.com/skipor/tierset/registry"
	"github.com/skipor/tierset/tier"
)

// ClassifierConfig holds the scoring weights and placement thresholds.
// All knobs are configuration, not constants; the defaults are starting
// points, not derived values.
type ClassifierConfig struct {
	RelevanceWeight float64
	CoverageWeight  float64
	RecencyWeight   float64
	HotThreshold    float64
	WarmThreshold   float64
}

func (c ClassifierConfig) withDefaults() ClassifierConfig {
	if c.RelevanceWeight == 0 {
		c.RelevanceWeight = 1.0
	}
	if c.CoverageWeight == 0 {
		c.CoverageWeight = 0.5
	}
	if c.RecencyWeight == 0 {
		c.RecencyWeight = 0.25
	}
	if c.HotThreshold == 0 {
		c.HotThreshold = 8.0
	}
	if c.WarmThreshold == 0 {
		c.WarmThreshold = 4.0
	}
	return c
}

// Classifier assigns an item's initial tier from relevance and coverage
// signals. Classification chooses a target; it never fails. If the target
// tier lacks budget at insertion time the engine degrades placement to the
// next lower tier with room.
type Classifier struct {
	conf ClassifierConfig
}

func NewClassifier(conf ClassifierConfig) *Classifier {
	return &Classifier{conf: conf.withDefaults()}
}

// Score is w1*relevance + w2*coverageBreadth - w3*recencyPenalty.
// Coverage breadth is the tag count; recency penalty is phases since the
// item was last accessed (zero for a fresh item).
func (c *Classifier) Score(it *registry.Item, phase int) float64 {
	staleness := float64(phase - it.LastAccessedPhase())
	return c.conf.RelevanceWeight*it.Relevance +
		c.conf.CoverageWeight*float64(len(it.Coverage)) -
		c.conf.RecencyWeight*staleness
}

func (c *Classifier) Classify(it *registry.Item, phase int) tier.Tier {
	score := c.Score(it, phase)
	switch {
	case score >= c.conf.HotThreshold:
		return tier.Hot
	case score >= c.conf.WarmThreshold:
		return tier.Warm
	}
	return tier.Cold
}

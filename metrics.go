package tierset

import (
	"github.com/rcrowley/go-metrics"

	"github.com/skipor/tierset/tier"
)

// systemMetrics is the telemetry surface: per-tier retrieval timers, SLA
// breach counters and move counters. Exposition-only; QueryStatus reads
// occupancy from the stores directly.
type systemMetrics struct {
	registry metrics.Registry

	latency     [tier.NumTiers]metrics.Timer
	slaBreaches [tier.NumTiers]metrics.Counter

	promotions   metrics.Counter
	demotions    metrics.Counter
	evictions    metrics.Counter
	reverts      metrics.Counter
	droppedAsync metrics.Counter
}

func newSystemMetrics() *systemMetrics {
	r := metrics.NewRegistry()
	m := &systemMetrics{registry: r}
	for _, t := range tier.Tiers() {
		m.latency[t] = metrics.NewRegisteredTimer("retrieval."+t.String()+".latency", r)
		m.slaBreaches[t] = metrics.NewRegisteredCounter("retrieval."+t.String()+".sla_breach", r)
	}
	m.promotions = metrics.NewRegisteredCounter("moves.promotions", r)
	m.demotions = metrics.NewRegisteredCounter("moves.demotions", r)
	m.evictions = metrics.NewRegisteredCounter("moves.evictions", r)
	m.reverts = metrics.NewRegisteredCounter("moves.reverts", r)
	m.droppedAsync = metrics.NewRegisteredCounter("gateway.dropped_async", r)
	return m
}

// Metrics exposes the telemetry registry for exposition.
func (s *System) Metrics() metrics.Registry { return s.metrics.registry }

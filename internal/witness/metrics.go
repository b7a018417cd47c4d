package witness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	PassesTotal       *prometheus.CounterVec
	PassDuration      prometheus.Histogram
	InstructionsTotal prometheus.Counter
	ConflictsTotal    *prometheus.CounterVec
	DegradedGroups    prometheus.Gauge
}

// NewMetrics registers the engine collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zw_passes_total",
			Help: "Reconciliation passes by result (ok, coalesced, config_error, transient_error).",
		}, []string{"result"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "zw_pass_duration_seconds",
			Help:    "Wall-clock duration of completed reconciliation passes.",
			Buckets: prometheus.DefBuckets,
		}),
		InstructionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "zw_instructions_total",
			Help: "Sync instructions emitted.",
		}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zw_conflicts_total",
			Help: "Conflicts detected, by kind.",
		}, []string{"kind"}),
		DegradedGroups: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zw_degraded_groups",
			Help: "Groups currently marked degraded after repeated pass failures.",
		}),
	}
}

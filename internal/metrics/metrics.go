// Package metrics exposes prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's prometheus collectors.
type Metrics struct {
	Checks             *prometheus.CounterVec
	CheckDuration      prometheus.Histogram
	StoreErrors        prometheus.Counter
	FailOpen           prometheus.Counter
	FailClosed         prometheus.Counter
	ViolationsRecorded prometheus.Counter
	ViolationsDropped  prometheus.Counter
	Alerts             *prometheus.CounterVec
	AlertsSuppressed   prometheus.Counter
	Blocks             prometheus.Counter
}

// New registers the collectors with reg and returns them. A nil reg gets a
// private registry, which keeps tests independent of the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limitguard_checks_total",
			Help: "Rate limit evaluations by result.",
		}, []string{"result"}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "limitguard_check_duration_seconds",
			Help:    "Latency of rate limit evaluations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitguard_store_errors_total",
			Help: "Counter store operations that failed.",
		}),
		FailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitguard_fail_open_total",
			Help: "Requests allowed because the store was unreachable.",
		}),
		FailClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitguard_fail_closed_total",
			Help: "Requests denied because the store was unreachable.",
		}),
		ViolationsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitguard_violations_recorded_total",
			Help: "Violations accepted by the monitor queue.",
		}),
		ViolationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitguard_violations_dropped_total",
			Help: "Violations dropped because the monitor queue was full.",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limitguard_alerts_total",
			Help: "Security alerts emitted by type and severity.",
		}, []string{"type", "severity"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitguard_alerts_suppressed_total",
			Help: "Alerts suppressed by the per-identifier cooldown.",
		}),
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitguard_blocks_total",
			Help: "Identifiers quarantined on the block list.",
		}),
	}

	reg.MustRegister(
		m.Checks, m.CheckDuration, m.StoreErrors,
		m.FailOpen, m.FailClosed,
		m.ViolationsRecorded, m.ViolationsDropped,
		m.Alerts, m.AlertsSuppressed, m.Blocks,
	)
	return m
}

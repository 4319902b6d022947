package pdp

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of an engine.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	Duration         prometheus.Histogram
	Warnings         *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	SnapshotRebuilds prometheus.Counter
	AuditDropped     prometheus.Counter
}

// NewMetrics creates and registers all collectors with reg. Collectors that
// reg already holds, for example from another engine, are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pdp",
				Name:      "decisions_total",
				Help:      "Access decisions by outcome",
			},
			[]string{"decision"}, // allow/deny
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pdp",
				Name:      "evaluation_duration_seconds",
				Help:      "Time spent producing a decision",
				Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
		),
		Warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pdp",
				Name:      "engine_warnings_total",
				Help:      "Data-integrity and authoring warnings raised during evaluation",
			},
			[]string{"kind"}, // role_cycle/unknown_role/role_graph_too_deep/malformed_pattern/context
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pdp",
				Name:      "evaluation_failures_total",
				Help:      "Evaluations that failed closed",
			},
			[]string{"kind"}, // snapshot_unavailable/deadline_exceeded
		),
		SnapshotRebuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pdp",
				Name:      "snapshot_rebuilds_total",
				Help:      "Policy snapshot rebuilds",
			},
		),
		AuditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pdp",
				Name:      "audit_dropped_total",
				Help:      "Decision records dropped due to backpressure",
			},
		),
	}
	var err error
	if m.Decisions, err = register(reg, m.Decisions); err != nil {
		return nil, err
	}
	if m.Duration, err = register(reg, m.Duration); err != nil {
		return nil, err
	}
	if m.Warnings, err = register(reg, m.Warnings); err != nil {
		return nil, err
	}
	if m.Failures, err = register(reg, m.Failures); err != nil {
		return nil, err
	}
	if m.SnapshotRebuilds, err = register(reg, m.SnapshotRebuilds); err != nil {
		return nil, err
	}
	if m.AuditDropped, err = register(reg, m.AuditDropped); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("pdp: register metrics: %w", err)
}

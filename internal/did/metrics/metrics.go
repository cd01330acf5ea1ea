// Package metrics holds the Prometheus instruments for the DID lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the lifecycle counters and latency histograms. A nil
// *Metrics is valid and records nothing, which keeps tests quiet.
type Metrics struct {
	lifecycleOps     *prometheus.CounterVec
	stageConflicts   prometheus.Counter
	confirmationWait prometheus.Histogram
	requestDuration  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		lifecycleOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "facedid_lifecycle_ops_total",
			Help: "Lifecycle operations by action and outcome.",
		}, []string{"action", "outcome"}),
		stageConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "facedid_stage_conflicts_total",
			Help: "Stage attempts rejected because a transition was already in flight.",
		}),
		confirmationWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "facedid_confirmation_wait_seconds",
			Help:    "Time spent waiting for ledger confirmation of a submitted transaction.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
		}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facedid_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) RecordOp(action, outcome string) {
	if m == nil {
		return
	}
	m.lifecycleOps.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) RecordStageConflict() {
	if m == nil {
		return
	}
	m.stageConflicts.Inc()
}

func (m *Metrics) ObserveConfirmationWait(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmationWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, status).Observe(d.Seconds())
}

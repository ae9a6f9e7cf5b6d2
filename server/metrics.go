// Package server exposes the pipeline over HTTP and runs the background
// poller that retries failed sessions.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	SessionsCreated prometheus.Counter
	StepsTotal      *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	PollerRuns      prometheus.Counter
	PollerAdvanced  prometheus.Counter
	StuckSwept      prometheus.Counter
}

// NewMetrics registers the service metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzforge_sessions_created_total",
			Help: "Number of pipeline sessions created.",
		}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buzzforge_steps_total",
			Help: "Pipeline steps run, by step and outcome.",
		}, []string{"step", "outcome"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buzzforge_step_duration_seconds",
			Help:    "Wall time of pipeline steps.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),
		PollerRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzforge_poller_runs_total",
			Help: "Poller scan cycles completed.",
		}),
		PollerAdvanced: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzforge_poller_advanced_total",
			Help: "Sessions advanced by the poller.",
		}),
		StuckSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzforge_stuck_swept_total",
			Help: "Stalled sessions swept to failed.",
		}),
	}
}

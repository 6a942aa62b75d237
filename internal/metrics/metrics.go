// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipbot_runs_total",
		Help: "Pipeline runs by command and final outcome",
	}, []string{"command", "outcome"})

	RunsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clipbot_runs_in_flight",
		Help: "Runs currently holding a gate permit",
	}, []string{"command"})

	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipbot_gate_rejections_total",
		Help: "Requests turned away because every permit was held",
	}, []string{"command"})

	Segments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipbot_segments_total",
		Help: "Segments processed by outcome",
	}, []string{"outcome"})

	CompressionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipbot_compression_attempts_total",
		Help: "Recompression rungs run, by ladder and result",
	}, []string{"ladder", "result"})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipbot_uploads_total",
		Help: "External host uploads by provider and result",
	}, []string{"provider", "result"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipbot_run_duration_seconds",
		Help:    "Wall time of a pipeline run",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"command"})

	TrackerAnnouncements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipbot_tracker_announcements_total",
		Help: "New videos announced by the linked-account tracker",
	})
)

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RunErrors         *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	WSMessages        *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codebridge",
				Name:      "runs_total",
				Help:      "Total sandbox runs by language and terminal status.",
			},
			[]string{"language", "status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codebridge",
				Name:      "run_duration_seconds",
				Help:      "Duration of sandbox runs in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		RunErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codebridge",
				Name:      "run_errors_total",
				Help:      "Total run submissions rejected or failed, by type.",
			},
			[]string{"type"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codebridge",
				Name:      "active_runs",
				Help:      "Number of currently running sandboxes.",
			},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codebridge",
				Name:      "active_connections",
				Help:      "Number of live websocket connections.",
			},
		),

		ActiveRooms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codebridge",
				Name:      "active_rooms",
				Help:      "Number of rooms with at least one member.",
			},
		),

		WSMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codebridge",
				Name:      "ws_messages_total",
				Help:      "Websocket messages by event name and direction.",
			},
			[]string{"event", "direction"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codebridge",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codebridge",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codebridge",
				Name:      "output_size_bytes",
				Help:      "Total output bytes per run.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunErrors,
		m.ActiveRuns,
		m.ActiveConnections,
		m.ActiveRooms,
		m.WSMessages,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordRun records one run's terminal outcome.
func (m *Metrics) RecordRun(language, status string, durationSec float64) {
	m.RunsTotal.WithLabelValues(language, status).Inc()
	m.RunDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordRunError records a rejected or failed run submission by type.
func (m *Metrics) RecordRunError(errType string) {
	m.RunErrors.WithLabelValues(errType).Inc()
}

// RecordWSMessage counts one websocket message.
func (m *Metrics) RecordWSMessage(event, direction string) {
	m.WSMessages.WithLabelValues(event, direction).Inc()
}

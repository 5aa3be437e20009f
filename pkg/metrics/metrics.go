package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	Commands          *prometheus.CounterVec
	Results           *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	InferenceDuration prometheus.Histogram
	InferenceState    *prometheus.GaugeVec
	LoadAttempts      *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// InferenceStates are the label values of the inference state gauge
var InferenceStates = []string{"uninitialized", "loading", "ready", "failed"}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapline_commands_total",
				Help: "Commands received, by source",
			},
			[]string{"source"},
		),
		Results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapline_action_results_total",
				Help: "Executed actions, by kind and outcome",
			},
			[]string{"kind", "success"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tapline_command_duration_seconds",
				Help:    "Time from dequeue to result, by action kind",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"kind"},
		),
		InferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tapline_inference_duration_seconds",
				Help:    "Duration of model rule evaluations",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		InferenceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tapline_inference_state",
				Help: "1 for the current inference runtime state",
			},
			[]string{"state"},
		),
		LoadAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tapline_model_load_total",
				Help: "Model load outcomes",
			},
			[]string{"outcome"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tapline_events_dropped_total",
				Help: "State events dropped by the reporter",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tapline_command_queue_depth",
				Help: "Commands waiting for the worker",
			},
		),
	}

	m.registry.MustRegister(
		m.Commands,
		m.Results,
		m.CommandDuration,
		m.InferenceDuration,
		m.InferenceState,
		m.LoadAttempts,
		m.EventsDropped,
		m.QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetInferenceState("uninitialized")
	return m
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetInferenceState sets state to 1 and every other state to 0
func (m *Metrics) SetInferenceState(state string) {
	for _, s := range InferenceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.InferenceState.WithLabelValues(s).Set(v)
	}
}

// ObserveResult records one executed action
func (m *Metrics) ObserveResult(kind string, success bool, elapsed time.Duration) {
	outcome := "false"
	if success {
		outcome = "true"
	}
	m.Results.WithLabelValues(kind, outcome).Inc()
	m.CommandDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

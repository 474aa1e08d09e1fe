// Package metrics provides Prometheus instrumentation for timer queues.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label names shared by the timer queue metrics.
const (
	LabelQueue = "queue"
	LabelClock = "clock"
)

// latencyBuckets spans 10µs to roughly 2.6s.
var latencyBuckets = prometheus.ExponentialBuckets(0.00001, 4, 10)

// Registry holds all metric instances for timer queues.
type Registry struct {
	EventsAdded    *prometheus.CounterVec
	EventsRemoved  *prometheus.CounterVec
	EventsExecuted *prometheus.CounterVec
	CallbackPanics *prometheus.CounterVec
	DispatchWakes  *prometheus.CounterVec

	PendingEvents *prometheus.GaugeVec

	DispatchBatchSize *prometheus.HistogramVec
	DispatchLateness  *prometheus.HistogramVec
	CallbackDuration  *prometheus.HistogramVec
}

// DefaultRegistry is the default metrics registry, registered with
// prometheus.DefaultRegisterer.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a registry in the default namespace on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return New(Config{Enabled: true, Registry: reg})
}

// New creates a registry from cfg. It returns nil, which records nothing,
// when cfg.Enabled is false. A nil cfg.Registry registers with
// prometheus.DefaultRegisterer; an empty namespace uses DefaultNamespace.
func New(cfg Config) *Registry {
	if !cfg.Enabled {
		return nil
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Registry{
		EventsAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "events_added_total",
				Help:        "Total number of event registrations, one per clock queue",
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue, LabelClock},
		),

		EventsRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "events_removed_total",
				Help:        "Total number of events canceled before dispatch",
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue},
		),

		EventsExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "events_executed_total",
				Help:        "Total number of callbacks invoked",
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue},
		),

		CallbackPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "callback_panics_total",
				Help:        "Total number of callbacks that panicked",
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue},
		),

		DispatchWakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Name:        "dispatch_wakes_total",
				Help:        "Total number of timer wakes handled by the dispatch loop",
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue},
		),

		PendingEvents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Name:        "pending_events",
				Help:        "Number of events waiting on a clock queue",
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue, LabelClock},
		),

		DispatchBatchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Name:        "dispatch_batch_size",
				Help:        "Number of callbacks run per dispatch wake",
				Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue},
		),

		DispatchLateness: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Name:        "dispatch_lateness_seconds",
				Help:        "Delay between an event deadline and its collection",
				Buckets:     latencyBuckets,
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue, LabelClock},
		),

		CallbackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Name:        "callback_duration_seconds",
				Help:        "Time spent executing callbacks",
				Buckets:     latencyBuckets,
				ConstLabels: cfg.Labels,
			},
			[]string{LabelQueue},
		),
	}
}

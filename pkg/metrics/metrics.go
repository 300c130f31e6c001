package metrics

import (
	"net/http"
	"time"
)

// Collector interface for metrics collection
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)

	SetGauge(name string, value float64, labels map[string]string)

	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)

	Register(metric Metric) error
	Handler() http.Handler
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // histograms only
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Standard coordination core metrics
var (
	ExpertsRegistered = Metric{
		Name:   "weave_experts_registered",
		Type:   GaugeType,
		Help:   "Number of currently registered experts",
		Labels: []string{"status"},
	}

	TasksRouted = Metric{
		Name:   "weave_tasks_routed_total",
		Type:   CounterType,
		Help:   "Total number of routed tasks",
		Labels: []string{"outcome"}, // assigned, decomposed, fallback, error
	}

	RoutingDuration = Metric{
		Name:    "weave_routing_duration_seconds",
		Type:    HistogramType,
		Help:    "Time spent resolving a routing request",
		Labels:  []string{"outcome"},
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	}

	MessagesPublished = Metric{
		Name:   "weave_messages_published_total",
		Type:   CounterType,
		Help:   "Total number of messages published to the bus",
		Labels: []string{"topic"},
	}

	MessagesDeadLettered = Metric{
		Name: "weave_messages_dead_lettered_total",
		Type: CounterType,
		Help: "Total number of deliveries moved to the dead-letter queue",
	}

	VotesStarted = Metric{
		Name:   "weave_votes_started_total",
		Type:   CounterType,
		Help:   "Total number of votes started",
		Labels: []string{"mode"},
	}

	VotesFinalized = Metric{
		Name:   "weave_votes_finalized_total",
		Type:   CounterType,
		Help:   "Total number of votes finalized",
		Labels: []string{"mode", "status"},
	}

	ExpertUtilization = Metric{
		Name:   "weave_expert_utilization",
		Type:   GaugeType,
		Help:   "Per-expert load fraction (0-1)",
		Labels: []string{"expert_id"},
	}
)

// StandardMetrics lists every metric the coordinator registers at start
func StandardMetrics() []Metric {
	return []Metric{
		ExpertsRegistered,
		TasksRouted,
		RoutingDuration,
		MessagesPublished,
		MessagesDeadLettered,
		VotesStarted,
		VotesFinalized,
		ExpertUtilization,
	}
}

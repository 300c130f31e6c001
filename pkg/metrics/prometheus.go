package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using the Prometheus client
type PrometheusCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
}

// NewPrometheusCollector creates a new Prometheus-based metrics collector
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Register registers a new metric
func (c *PrometheusCollector) Register(metric Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch metric.Type {
	case CounterType:
		if _, exists := c.counters[metric.Name]; exists {
			return fmt.Errorf("metric %s already registered", metric.Name)
		}
		counter := prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: metric.Name, Help: metric.Help},
			metric.Labels,
		)
		if err := c.registry.Register(counter); err != nil {
			return fmt.Errorf("failed to register counter %s: %w", metric.Name, err)
		}
		c.counters[metric.Name] = counter

	case GaugeType:
		if _, exists := c.gauges[metric.Name]; exists {
			return fmt.Errorf("metric %s already registered", metric.Name)
		}
		gauge := prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: metric.Name, Help: metric.Help},
			metric.Labels,
		)
		if err := c.registry.Register(gauge); err != nil {
			return fmt.Errorf("failed to register gauge %s: %w", metric.Name, err)
		}
		c.gauges[metric.Name] = gauge

	case HistogramType:
		if _, exists := c.histograms[metric.Name]; exists {
			return fmt.Errorf("metric %s already registered", metric.Name)
		}
		buckets := metric.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		histogram := prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: metric.Name, Help: metric.Help, Buckets: buckets},
			metric.Labels,
		)
		if err := c.registry.Register(histogram); err != nil {
			return fmt.Errorf("failed to register histogram %s: %w", metric.Name, err)
		}
		c.histograms[metric.Name] = histogram

	default:
		return fmt.Errorf("unknown metric type %q for %s", metric.Type, metric.Name)
	}
	return nil
}

// IncrementCounter increments a counter by one
func (c *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds a value to a counter
func (c *PrometheusCollector) AddCounter(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		counter.With(labels).Add(value)
	}
}

// SetGauge sets a gauge value
func (c *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		gauge.With(labels).Set(value)
	}
}

// ObserveHistogram records a histogram observation
func (c *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		histogram.With(labels).Observe(value)
	}
}

// ObserveDuration records the seconds elapsed since start
func (c *PrometheusCollector) ObserveDuration(name string, start time.Time, labels map[string]string) {
	c.ObserveHistogram(name, time.Since(start).Seconds(), labels)
}

// Handler returns the HTTP handler for scraping
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// NoopCollector discards all observations. Used in tests and when
// metrics are disabled.
type NoopCollector struct{}

func (NoopCollector) IncrementCounter(string, map[string]string)              {}
func (NoopCollector) AddCounter(string, float64, map[string]string)           {}
func (NoopCollector) SetGauge(string, float64, map[string]string)             {}
func (NoopCollector) ObserveHistogram(string, float64, map[string]string)     {}
func (NoopCollector) ObserveDuration(string, time.Time, map[string]string)    {}
func (NoopCollector) Register(Metric) error                                   { return nil }
func (NoopCollector) Handler() http.Handler                                   { return http.NotFoundHandler() }

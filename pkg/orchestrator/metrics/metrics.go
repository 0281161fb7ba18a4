package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iiif_orchestrator"

// Collector records request, routing and orchestration metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	orchestrations *prometheus.CounterVec
}

// New creates a collector with Go runtime and process collectors registered
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_outcomes_total",
			Help:      "Routing decisions by outcome.",
		}, []string{"outcome"}),
		orchestrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Orchestration attempts by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests, c.duration, c.outcomes, c.orchestrations,
	)
	return c
}

// RecordRequest implements api.MetricsCollector. The path is not a label.
func (c *Collector) RecordRequest(method, path string, statusCode int, duration time.Duration, size int64) {
	c.requests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.duration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOutcome counts a routing decision
func (c *Collector) RecordOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

// RecordOrchestration counts an orchestration result
func (c *Collector) RecordOrchestration(result string) {
	c.orchestrations.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes the Prometheus instrumentation for the
// request path: request and drop counters per endpoint, per-host call
// counters and latency histograms, and the current queue depth.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pithecene-io/coco/types"
)

// Metrics bundles the collectors on a private registry so tests can
// instantiate it more than once per process.
type Metrics struct {
	registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	Calls        *prometheus.CounterVec
	ResponseTime *prometheus.HistogramVec
	QueueLength  prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coco_requests_total",
			Help: "Total requests received per endpoint.",
		}, []string{"endpoint"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coco_dropped_request_total",
			Help: "Requests dropped because the queue was full.",
		}, []string{"endpoint"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coco_calls_total",
			Help: "External calls per endpoint, host and response status.",
		}, []string{"endpoint", "host", "port", "status"}),
		ResponseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coco_external_response_time_seconds",
			Help:    "External call latency per endpoint and host.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "host", "port"}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coco_queue_length",
			Help: "Current depth of the request queue.",
		}),
	}
	m.registry.MustRegister(m.Requests, m.Dropped, m.Calls, m.ResponseTime, m.QueueLength)
	return m
}

// InitEndpoint pre-creates the per-endpoint series at zero so scrapes
// show every endpoint from startup.
func (m *Metrics) InitEndpoint(name string) {
	m.Requests.WithLabelValues(name)
	m.Dropped.WithLabelValues(name)
}

// ObserveCall records one external call.
func (m *Metrics) ObserveCall(endpoint string, host types.Host, status int, seconds float64) {
	port := strconv.Itoa(host.Port)
	m.Calls.WithLabelValues(endpoint, host.Hostname, port, strconv.Itoa(status)).Inc()
	m.ResponseTime.WithLabelValues(endpoint, host.Hostname, port).Observe(seconds)
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

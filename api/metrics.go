package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects request and publish outcome counters.
type Metrics struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	publishes       *prometheus.CounterVec
	downloads       prometheus.Counter
}

// NewMetrics builds a self-contained metrics registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "registry",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registry",
			Name:      "publishes_total",
			Help:      "Publish attempts by outcome.",
		}, []string{"outcome"}),
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "registry",
			Name:      "crate_downloads_total",
			Help:      "Served crate downloads.",
		}),
	}
	reg.MustRegister(m.requestDuration, m.publishes, m.downloads)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePublish records a publish outcome.
func (m *Metrics) ObservePublish(outcome string) {
	m.publishes.WithLabelValues(outcome).Inc()
}

// ObserveDownload records a served download.
func (m *Metrics) ObserveDownload() {
	m.downloads.Inc()
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with a request duration observation.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.requestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	}
}

// Package metrics exposes Prometheus instrumentation on a private
// registry, so default collectors from linked libraries never leak in.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the application records.
type Metrics struct {
	// Delivery outcomes.
	MessagesSentTotal        prometheus.Counter
	MessagesUnresolvedTotal  prometheus.Counter
	MessagesUnavailableTotal prometheus.Counter

	// Campaign runs.
	RunsStartedTotal prometheus.Counter
	RunsActive       prometheus.Gauge

	// HTTP API.
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with everything registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wpp_messages_sent_total",
			Help: "Total number of successfully delivered messages",
		}),
		MessagesUnresolvedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wpp_messages_unresolved_total",
			Help: "Total number of recipients not registered on WhatsApp",
		}),
		MessagesUnavailableTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wpp_messages_unavailable_total",
			Help: "Total number of sends skipped because the chat was unavailable",
		}),
		RunsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wpp_runs_started_total",
			Help: "Total number of campaign runs started",
		}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wpp_runs_active",
			Help: "Number of campaign runs currently in flight",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wpp_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wpp_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesUnresolvedTotal,
		m.MessagesUnavailableTotal,
		m.RunsStartedTotal,
		m.RunsActive,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes the forwarding engine's internal state as
// Prometheus collectors: connection pool occupancy, pipeline depth, and
// parser/backend error counts. Only ForwardedRequests and RequestDuration
// are updated, by internal/proxy; ActiveConnections, PipelineDepth and
// ParserErrors are registered but no package sets them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors registered against one prometheus.Registerer.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	PipelineDepth     *prometheus.GaugeVec
	ParserErrors      *prometheus.CounterVec
	ForwardedRequests *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New builds and registers a Metrics set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "uwsproxy",
			Subsystem: "backend",
			Name:      "active_connections",
			Help:      "Number of backend connections currently open, by target.",
		}, []string{"target"}),
		PipelineDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "uwsproxy",
			Subsystem: "backend",
			Name:      "pipeline_depth",
			Help:      "Number of requests currently queued on a backend connection's pipeline.",
		}, []string{"target"}),
		ParserErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uwsproxy",
			Subsystem: "parser",
			Name:      "errors_total",
			Help:      "Number of malformed-response errors observed by the response parser, by code.",
		}, []string{"code"}),
		ForwardedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uwsproxy",
			Subsystem: "proxy",
			Name:      "forwarded_requests_total",
			Help:      "Number of requests dispatched to a backend, by outcome.",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uwsproxy",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of a forwarded request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.ActiveConnections, m.PipelineDepth, m.ParserErrors, m.ForwardedRequests, m.RequestDuration)
	return m
}

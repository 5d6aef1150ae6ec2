// Package metrics provides Prometheus metrics for the edge router.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for upstream latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Redirect outcomes recorded by RedirectsTotal.
const (
	RedirectFollowed    = "followed"
	RedirectPassthrough = "passthrough"
	RedirectNoLocation  = "no_location"
	RedirectExhausted   = "exhausted"
)

// Metrics holds all Prometheus metric collectors for the router.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	Decisions *prometheus.CounterVec
	Redirects *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_edge_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_edge_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_edge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_edge_routing_decisions_total",
			Help: "Routing decisions by destination and rule label.",
		}, []string{"destination", "label"}),

		Redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_edge_redirects_total",
			Help: "Upstream redirect responses by destination and outcome.",
		}, []string{"destination", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_edge_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, per hop.",
			Buckets: defaultBuckets,
		}, []string{"destination", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_edge_upstream_responses_total",
			Help: "Total upstream responses by destination, method and status code.",
		}, []string{"destination", "method", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.Decisions,
		m.Redirects,
		m.UpstreamDuration,
		m.UpstreamResponses,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{
	"/_edge",
	"/.well-known",
	"/cart",
	"/checkout",
	"/checkouts",
	"/account",
	"/products",
	"/collections",
	"/cdn",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if path == "/" {
		return "/"
	}
	return "other"
}

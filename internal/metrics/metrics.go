// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Upload buffering and redirect chains make uploads slower than typical API
// calls, so the buckets reach further out than the client defaults.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Relay outcome label values.
const (
	OutcomeForwarded          = "forwarded"
	OutcomeInvalidContentType = "invalid_content_type"
	OutcomeBodyReadError      = "body_read_error"
	OutcomeBodyTooLarge       = "body_too_large"
	OutcomeTransportError     = "transport_error"
	OutcomeTooManyRedirects   = "too_many_redirects"
	OutcomeNoLocation         = "no_location"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RedirectHops  prometheus.Counter
	RelayOutcomes *prometheus.CounterVec
	UploadBytes   prometheus.Histogram

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		prefixes: append([]string(nil), routePrefixes...),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upload_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upload_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upload_relay_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, per hop.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RedirectHops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upload_relay_redirect_hops_total",
			Help: "Upstream redirects followed while relaying uploads.",
		}),

		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_relay_outcomes_total",
			Help: "Upload relay results by outcome.",
		}, []string{"outcome"}),

		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_relay_upload_bytes",
			Help:    "Size of buffered upload bodies in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RedirectHops,
		m.RelayOutcomes,
		m.UploadBytes,
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

// routePrefixes are the relay's own routes; the metrics endpoint is added
// with TrackPath because its path is configurable.
var routePrefixes = []string{"/api/file", "/healthz", "/relay/status"}

// TrackPath adds prefix to the set of path_prefix label values. It must be
// called before the server starts handling requests.
func (m *Metrics) TrackPath(prefix string) {
	m.prefixes = append(m.prefixes, prefix)
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// Package metrics provides Prometheus metrics for the dictionary service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Repository metrics
	RepoOperationsTotal   *prometheus.CounterVec
	RepoOperationDuration *prometheus.HistogramVec
	WriteRetriesTotal     *prometheus.CounterVec

	// Dictionary metrics
	HiddenEntriesTotal     *prometheus.CounterVec
	MalformedMarkingsTotal *prometheus.CounterVec
	ForbiddenTotal         *prometheus.CounterVec
	DictionaryResultSize   *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry,
// together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictionary_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dictionary_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.RepoOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictionary_repository_operations_total",
			Help: "Total number of repository operations",
		},
		[]string{"operation", "status"},
	)

	m.RepoOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dictionary_repository_operation_duration_seconds",
			Help:    "Duration of repository operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.WriteRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictionary_write_retries_total",
			Help: "Total number of description writes retried after a storage failure",
		},
		[]string{"operation"},
	)

	m.HiddenEntriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictionary_hidden_entries_total",
			Help: "Total number of raw entries hidden by visibility filtering",
		},
		[]string{"kind"},
	)

	m.MalformedMarkingsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictionary_malformed_markings_total",
			Help: "Total number of raw entries hidden because their markings could not be parsed",
		},
		[]string{"table"},
	)

	m.ForbiddenTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dictionary_forbidden_total",
			Help: "Total number of operations rejected by the access policy",
		},
		[]string{"operation"},
	)

	m.DictionaryResultSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dictionary_result_entries",
			Help:    "Number of entries returned per dictionary read",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"kind"},
	)

	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRepoOperation records one repository call. status is "ok" or an
// error class.
func (m *Metrics) RecordRepoOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RepoOperationsTotal.WithLabelValues(operation, status).Inc()
	m.RepoOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordWriteRetry(operation string) {
	if m == nil {
		return
	}
	m.WriteRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordAggregation records the outcome of a dictionary read.
func (m *Metrics) RecordAggregation(kind, table string, returned, hidden, malformed int) {
	if m == nil {
		return
	}
	m.DictionaryResultSize.WithLabelValues(kind).Observe(float64(returned))
	if hidden > 0 {
		m.HiddenEntriesTotal.WithLabelValues(kind).Add(float64(hidden))
	}
	if malformed > 0 {
		m.MalformedMarkingsTotal.WithLabelValues(table).Add(float64(malformed))
	}
}

func (m *Metrics) RecordForbidden(operation string) {
	if m == nil {
		return
	}
	m.ForbiddenTotal.WithLabelValues(operation).Inc()
}

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Synchronization metrics
	SyncRunsTotal      *prometheus.CounterVec
	SyncDuration       *prometheus.HistogramVec
	GrantsCreatedTotal prometheus.Counter
	GrantsDeletedTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on registry. A nil
// registry gets a fresh one, which keeps tests from sharing global state.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageperm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageperm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageperm_sync_runs_total",
				Help: "Total number of permission synchronizations",
			},
			[]string{"trigger", "result"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageperm_sync_duration_seconds",
				Help:    "Permission synchronization duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"trigger"},
		),
		GrantsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pageperm_grants_created_total",
				Help: "Total number of page permission rows created",
			},
		),
		GrantsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pageperm_grants_deleted_total",
				Help: "Total number of page permission rows deleted",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pageperm_cache_hits_total",
				Help: "Total number of computed permission cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pageperm_cache_misses_total",
				Help: "Total number of computed permission cache misses",
			},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageperm_cache_errors_total",
				Help: "Total number of cache operations that failed",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SyncRunsTotal,
		m.SyncDuration,
		m.GrantsCreatedTotal,
		m.GrantsDeletedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics defines the Prometheus collectors used by the QA service and
// exposes an HTTP handler for scraping. Each Metrics owns its registry so that
// tests and tools can create as many as they like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	SearchResultSources  *prometheus.CounterVec
	DegradedSearches     prometheus.Counter
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	ReloadsTotal         *prometheus.CounterVec
	ReloadDuration       prometheus.Histogram
	CorpusRecords        prometheus.Gauge
	CorpusVersion        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_search_queries_total",
				Help: "Total QA searches by outcome (matched, no_match, invalid, not_ready, error).",
			},
			[]string{"outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qa_search_latency_seconds",
				Help:    "QA search latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qa_search_results_count",
				Help:    "Number of accepted results returned per search.",
				Buckets: []float64{0, 1, 2, 3, 5, 10},
			},
		),
		SearchResultSources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_search_result_sources_total",
				Help: "Accepted results by provenance (lexical, vector, fused).",
			},
			[]string{"source"},
		),
		DegradedSearches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qa_search_degraded_total",
				Help: "Searches answered lexical-only because the encoder failed.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qa_cache_hits_total",
				Help: "Total number of result cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qa_cache_misses_total",
				Help: "Total number of result cache misses.",
			},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qa_reloads_total",
				Help: "Index reloads by status (success, format_error, encoding_error, error).",
			},
			[]string{"status"},
		),
		ReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qa_reload_duration_seconds",
				Help:    "Time to build and publish a new index snapshot.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		CorpusRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qa_corpus_records",
				Help: "Records in the published corpus version.",
			},
		),
		CorpusVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qa_corpus_version",
				Help: "Number of the published corpus version.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.SearchResultSources,
		m.DegradedSearches,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ReloadsTotal,
		m.ReloadDuration,
		m.CorpusRecords,
		m.CorpusVersion,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSearch records one finished search.
func (m *Metrics) ObserveSearch(outcome, cacheStatus string, took time.Duration, sources []string, degraded bool) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	m.SearchLatency.WithLabelValues(cacheStatus).Observe(took.Seconds())
	m.SearchResultsCount.Observe(float64(len(sources)))
	for _, s := range sources {
		m.SearchResultSources.WithLabelValues(s).Inc()
	}
	if degraded {
		m.DegradedSearches.Inc()
	}
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// ObserveReload records a reload attempt. records and version are only
// applied on success.
func (m *Metrics) ObserveReload(status string, took time.Duration, records int, version uint64) {
	if m == nil {
		return
	}
	m.ReloadsTotal.WithLabelValues(status).Inc()
	m.ReloadDuration.Observe(took.Seconds())
	if status == "success" {
		m.CorpusRecords.Set(float64(records))
		m.CorpusVersion.Set(float64(version))
	}
}

// SetBreakerState maps "closed", "open" and "half-open" to 0, 1 and 2.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil || state == "" {
		return
	}
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

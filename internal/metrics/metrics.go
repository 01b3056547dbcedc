// Package metrics provides Prometheus metrics for the Marginalia services.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the highlight service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Highlight engine metrics
	MutationsTotal         *prometheus.CounterVec
	ReconcileFailuresTotal prometheus.Counter
	RenderFallbacksTotal   *prometheus.CounterVec
	RenderUnrenderedTotal  prometheus.Counter
	HighlightsStored       prometheus.Gauge

	// Collaborator metrics
	CacheLookupsTotal    *prometheus.CounterVec
	SearchQueriesTotal   *prometheus.CounterVec
	SuggestRequestsTotal *prometheus.CounterVec
	IngestDocumentsTotal prometheus.Counter
	ExportsTotal         *prometheus.CounterVec
	EventsSentTotal      prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all metrics on the given registerer. Pass
// nil to register on the default registry; tests pass their own registry so
// repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marginalia_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marginalia_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.HTTPRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "marginalia_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.MutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marginalia_highlight_mutations_total",
			Help: "Total number of applied highlight mutations",
		},
		[]string{"action"},
	)

	m.ReconcileFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "marginalia_reconcile_failures_total",
			Help: "Total number of selections whose text could not be located",
		},
	)

	m.RenderFallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marginalia_render_fallbacks_total",
			Help: "Total number of highlights rendered by a fallback strategy",
		},
		[]string{"strategy"},
	)

	m.RenderUnrenderedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "marginalia_render_unrendered_total",
			Help: "Total number of highlights no render strategy could locate",
		},
	)

	m.HighlightsStored = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "marginalia_highlights_stored",
			Help: "Current number of stored highlights",
		},
	)

	m.CacheLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marginalia_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"cache", "result"},
	)

	m.SearchQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marginalia_search_queries_total",
			Help: "Total number of highlight search queries",
		},
		[]string{"backend"},
	)

	m.SuggestRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marginalia_suggest_requests_total",
			Help: "Total number of suggestion provider calls",
		},
		[]string{"status"},
	)

	m.IngestDocumentsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "marginalia_ingest_documents_total",
			Help: "Total number of documents ingested",
		},
	)

	m.ExportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marginalia_exports_total",
			Help: "Total number of completed exports",
		},
		[]string{"format"},
	)

	m.EventsSentTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "marginalia_events_sent_total",
			Help: "Total number of events broadcast to websocket subscribers",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "marginalia_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMutation records one applied highlight mutation.
func (m *Metrics) RecordMutation(action string) {
	m.MutationsTotal.WithLabelValues(action).Inc()
}

// RecordRender records the strategy counts of one render pass.
func (m *Metrics) RecordRender(exactFallbacks, patternFallbacks, unrendered int) {
	if exactFallbacks > 0 {
		m.RenderFallbacksTotal.WithLabelValues("exact").Add(float64(exactFallbacks))
	}
	if patternFallbacks > 0 {
		m.RenderFallbacksTotal.WithLabelValues("pattern").Add(float64(patternFallbacks))
	}
	if unrendered > 0 {
		m.RenderUnrenderedTotal.Add(float64(unrendered))
	}
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordSearch records one search query against a backend.
func (m *Metrics) RecordSearch(backend string) {
	m.SearchQueriesTotal.WithLabelValues(backend).Inc()
}

// RecordSuggest records one suggestion provider call.
func (m *Metrics) RecordSuggest(status string) {
	m.SuggestRequestsTotal.WithLabelValues(status).Inc()
}

// RecordExport records one completed export.
func (m *Metrics) RecordExport(format string) {
	m.ExportsTotal.WithLabelValues(format).Inc()
}

// RecordEventsSent records events delivered to websocket subscribers.
func (m *Metrics) RecordEventsSent(count int) {
	if count > 0 {
		m.EventsSentTotal.Add(float64(count))
	}
}

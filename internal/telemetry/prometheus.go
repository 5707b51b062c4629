package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics exposes query telemetry for external scraping, alongside
// the in-process QueryMetrics/SQLiteMetricsStore used for the `codecontext
// stats` CLI. The two serve different consumers: this one answers "what does
// Grafana/Prometheus see," the other answers "what does the CLI report."
type PrometheusMetrics struct {
	registry *prometheus.Registry

	queriesTotal    *prometheus.CounterVec
	zeroResults     prometheus.Counter
	queryDuration   *prometheus.HistogramVec
	resultsPerQuery prometheus.Histogram
}

// NewPrometheusMetrics creates a registry with the query-telemetry collectors
// registered, ready to serve on an HTTP handler.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: reg,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codecontext",
			Subsystem: "query",
			Name:      "total",
			Help:      "Total number of search queries executed, by query type.",
		}, []string{"query_type"}),
		zeroResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codecontext",
			Subsystem: "query",
			Name:      "zero_result_total",
			Help:      "Total number of search queries that returned no results.",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codecontext",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Search query latency in seconds, by query type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query_type"}),
		resultsPerQuery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codecontext",
			Subsystem: "query",
			Name:      "result_count",
			Help:      "Number of results returned per search query.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}

	reg.MustRegister(m.queriesTotal, m.zeroResults, m.queryDuration, m.resultsPerQuery)
	return m
}

// Observe records a completed query event. Safe to call from any goroutine.
func (m *PrometheusMetrics) Observe(event QueryEvent) {
	queryType := string(event.QueryType)
	if queryType == "" {
		queryType = "unknown"
	}

	m.queriesTotal.WithLabelValues(queryType).Inc()
	m.queryDuration.WithLabelValues(queryType).Observe(event.Latency.Seconds())
	m.resultsPerQuery.Observe(float64(event.ResultCount))
	if event.IsZeroResult() {
		m.zeroResults.Inc()
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics provides Prometheus metrics for the oracle client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SourceCallsTotal counts upstream call attempts by outcome kind.
	SourceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_calls_total",
			Help: "Total number of upstream call attempts",
		},
		[]string{"source", "result"},
	)

	// SourceCallDuration is a histogram of upstream call latencies.
	SourceCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_call_duration_seconds",
			Help:    "Duration of upstream call attempts",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source"},
	)

	// SourceHealth is a gauge of the health status of price sources.
	SourceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_health",
			Help: "Health status of price sources (1=healthy, 0=unhealthy)",
		},
		[]string{"source", "kind"},
	)

	// CircuitBreakerState is a gauge of breaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per source (0=closed, 1=open, 2=half_open)",
		},
		[]string{"source"},
	)

	// RateLimitFastFailsTotal counts calls rejected locally because of rate limits.
	RateLimitFastFailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_fast_fails_total",
			Help: "Calls refused without a network request due to rate limit state",
		},
		[]string{"source"},
	)

	// FailoversTotal counts moves from one source to the next within a lookup.
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failovers_total",
			Help: "Total number of failovers away from a source",
		},
		[]string{"source"},
	)

	// CacheRequestsTotal counts cache lookups by result.
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Cache lookups by result (hit, miss, expired)",
		},
		[]string{"result"},
	)

	// CacheEvictionsTotal counts capacity evictions and TTL expirations.
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Cache entries removed by reason (capacity, ttl)",
		},
		[]string{"reason"},
	)

	// PriceStalenessSeconds is a gauge of quote age when served.
	PriceStalenessSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "price_staleness_seconds",
			Help: "Age of the last served quote for a symbol",
		},
		[]string{"source", "symbol"},
	)

	// Volatility is a gauge of annualized volatility per window.
	Volatility = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "price_volatility_percent",
			Help: "Annualized volatility of observed prices",
		},
		[]string{"symbol", "window"},
	)

	// AlertsTotal counts volatility/price alerts raised.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volatility_alerts_total",
			Help: "Total number of volatility and price movement alerts",
		},
		[]string{"symbol", "type", "severity"},
	)

	// HTTPRequestsTotal is a counter of total HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// HTTPRequestDuration is a histogram of HTTP request latencies.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint"},
	)
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	prometheus.MustRegister(
		SourceCallsTotal,
		SourceCallDuration,
		SourceHealth,
		CircuitBreakerState,
		RateLimitFastFailsTotal,
		FailoversTotal,
		CacheRequestsTotal,
		CacheEvictionsTotal,
		PriceStalenessSeconds,
		Volatility,
		AlertsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ServeHTTP serves Prometheus metrics on the specified address.
func ServeHTTP(addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// RecordSourceCall records one upstream attempt.
func RecordSourceCall(source, result string, duration time.Duration) {
	SourceCallsTotal.WithLabelValues(source, result).Inc()
	SourceCallDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordSourceHealth records the health status of a source.
func RecordSourceHealth(source, kind string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	SourceHealth.WithLabelValues(source, kind).Set(val)
}

// RecordBreakerState records a breaker transition.
func RecordBreakerState(source string, state int) {
	CircuitBreakerState.WithLabelValues(source).Set(float64(state))
}

// RecordRateLimitFastFail records a locally refused call.
func RecordRateLimitFastFail(source string) {
	RateLimitFastFailsTotal.WithLabelValues(source).Inc()
}

// RecordFailover records leaving a source for the next one.
func RecordFailover(source string) {
	FailoversTotal.WithLabelValues(source).Inc()
}

// RecordCacheRequest records a cache lookup result.
func RecordCacheRequest(result string) {
	CacheRequestsTotal.WithLabelValues(result).Inc()
}

// RecordCacheEviction records n entry removals.
func RecordCacheEviction(reason string, n int) {
	CacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordStaleness records the age of a served quote.
func RecordStaleness(source, symbol string, seconds float64) {
	PriceStalenessSeconds.WithLabelValues(source, symbol).Set(seconds)
}

// RecordVolatility records the volatility for one window.
func RecordVolatility(symbol, window string, value float64) {
	Volatility.WithLabelValues(symbol, window).Set(value)
}

// RecordAlert records a raised alert.
func RecordAlert(symbol, alertType, severity string) {
	AlertsTotal.WithLabelValues(symbol, alertType, severity).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

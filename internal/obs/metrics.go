package obs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	cacheLookupTime   *prometheus.HistogramVec
	cacheStoreFail    *prometheus.CounterVec
	upstreamRoundTrip *prometheus.HistogramVec
	upstreamErrors    *prometheus.CounterVec
	retries           *prometheus.CounterVec
	circuitOpen       *prometheus.CounterVec
	breakerOpen       *prometheus.GaugeVec
	rateLimited       *prometheus.CounterVec
	historyWriteFail  prometheus.Counter
	durableUp         prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_requests_total",
		Help: "Total HTTP requests",
	}, []string{"route", "status_class"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fusion_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_cache_lookups_total",
		Help: "Cache resolutions by source",
	}, []string{"source"})

	cacheLookupTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fusion_cache_resolve_seconds",
		Help:    "Cache resolution duration including producer time",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	cacheStoreFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_cache_store_fail_total",
		Help: "Durable cache failures absorbed by the coordinator",
	}, []string{"op"})

	upstreamRoundTrip := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fusion_upstream_roundtrip_seconds",
		Help:    "Upstream roundtrip duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"upstream"})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_upstream_errors_total",
		Help: "Total upstream errors",
	}, []string{"upstream", "category"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_upstream_retries_total",
		Help: "Total upstream retries",
	}, []string{"upstream", "reason"})

	circuitOpen := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_circuit_open_total",
		Help: "Total circuit breaker open rejections",
	}, []string{"upstream"})

	breakerOpen := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusion_breaker_open",
		Help: "Breaker open state",
	}, []string{"upstream"})

	rateLimited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"endpoint"})

	historyWriteFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fusion_history_write_fail_total",
		Help: "History appends that failed and were swallowed",
	})

	durableUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fusion_durable_up",
		Help: "Durable backend reachability as seen by the health prober",
	})

	registry.MustRegister(requests, requestDuration, cacheLookups, cacheLookupTime, cacheStoreFail, upstreamRoundTrip, upstreamErrors, retries, circuitOpen, breakerOpen, rateLimited, historyWriteFail, durableUp)

	return &Metrics{
		registry:          registry,
		requests:          requests,
		requestDuration:   requestDuration,
		cacheLookups:      cacheLookups,
		cacheLookupTime:   cacheLookupTime,
		cacheStoreFail:    cacheStoreFail,
		upstreamRoundTrip: upstreamRoundTrip,
		upstreamErrors:    upstreamErrors,
		retries:           retries,
		circuitOpen:       circuitOpen,
		breakerOpen:       breakerOpen,
		rateLimited:       rateLimited,
		historyWriteFail:  historyWriteFail,
		durableUp:         durableUp,
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	route = defaultString(route, "unmatched")
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheLookup(source string, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	source = defaultString(source, "unknown")
	m.cacheLookups.WithLabelValues(source).Inc()
	m.cacheLookupTime.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheStoreFail(op string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.cacheStoreFail.WithLabelValues(defaultString(op, "unknown")).Inc()
}

func (m *Metrics) ObserveUpstreamRoundTrip(upstream string, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.upstreamRoundTrip.WithLabelValues(upstream).Observe(duration.Seconds())
}

func (m *Metrics) RecordUpstreamError(upstream string, category string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.upstreamErrors.WithLabelValues(upstream, defaultString(category, "unknown")).Inc()
}

func (m *Metrics) RecordRetry(upstream string, reason string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.retries.WithLabelValues(upstream, defaultString(reason, "unknown")).Inc()
}

func (m *Metrics) RecordCircuitOpen(upstream string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.circuitOpen.WithLabelValues(upstream).Inc()
}

func (m *Metrics) SetBreakerOpen(upstream string, open bool) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	value := 0.0
	if open {
		value = 1.0
	}
	m.breakerOpen.WithLabelValues(upstream).Set(value)
}

func (m *Metrics) RecordRateLimited(endpoint string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.rateLimited.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordHistoryWriteFail() {
	if m == nil {
		return
	}
	m.historyWriteFail.Inc()
}

func (m *Metrics) SetDurableUp(up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	m.durableUp.Set(value)
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}

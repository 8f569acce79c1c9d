package opalmind

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle,
// the retry queue, the response cache and the rate-limit governor. It is
// safe for concurrent use, and all record methods tolerate a nil receiver
// so call sites stay unconditional.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	cacheEventsTotal *prometheus.CounterVec

	queuePending       prometheus.Gauge
	queueInFlightKeys  prometheus.Gauge
	queueTasksTotal    *prometheus.CounterVec
	queueRetriesTotal  *prometheus.CounterVec
	idempotentHits     prometheus.Counter
	coalescedTotal     prometheus.Counter
	storeFailuresTotal *prometheus.CounterVec

	rateLimitRemaining prometheus.Gauge
	rateLimitedTotal   prometheus.Counter

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opalmind_requests_total",
				Help: "Total number of upstream HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opalmind_request_duration_seconds",
				Help:    "Duration of upstream HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "opalmind_requests_in_flight",
				Help: "Number of upstream HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opalmind_transport_retries_total",
				Help: "Total number of transport-level retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "opalmind_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		cacheEventsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opalmind_cache_events_total",
				Help: "Total number of response cache events by type and feature",
			},
			[]string{"type", "feature"},
		),
		queuePending: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "opalmind_queue_pending",
				Help: "Number of queued write tasks awaiting execution (including backoff waits)",
			},
		),
		queueInFlightKeys: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "opalmind_queue_in_flight_keys",
				Help: "Number of idempotency keys with an active single-flight execution",
			},
		),
		queueTasksTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opalmind_queue_tasks_total",
				Help: "Total number of queue tasks by terminal result",
			},
			[]string{"result"},
		),
		queueRetriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opalmind_queue_retries_total",
				Help: "Total number of write-level retry attempts",
			},
			[]string{"attempt"},
		),
		idempotentHits: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "opalmind_idempotent_hits_total",
				Help: "Total number of enqueues answered from a recorded outcome",
			},
		),
		coalescedTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "opalmind_queue_coalesced_total",
				Help: "Total number of enqueues coalesced onto an in-flight execution",
			},
		),
		storeFailuresTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opalmind_idempotency_store_failures_total",
				Help: "Total number of idempotency store failures by operation",
			},
			[]string{"operation"},
		),
		rateLimitRemaining: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "opalmind_rate_limit_remaining",
				Help: "Last observed remaining upstream quota",
			},
		),
		rateLimitedTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "opalmind_rate_limited_total",
				Help: "Total number of rate-limited upstream responses",
			},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "opalmind_errors_total",
				Help: "Total number of errors encountered by kind",
			},
			[]string{"kind", "method", "endpoint"},
		),
	}

	if r, ok := registry.(*prometheus.Registry); ok {
		mc.registry = r
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments transport retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// CacheObserver returns an observer feeding cache events into the
// opalmind_cache_events_total counter. Subscribe it on a ResponseCache.
func (mc *MetricsCollector) CacheObserver() CacheObserver {
	return func(event CacheEvent) {
		if mc == nil {
			return
		}
		mc.cacheEventsTotal.WithLabelValues(string(event.Type), event.Feature).Inc()
	}
}

// RecordQueuePending sets the pending-task gauge.
func (mc *MetricsCollector) RecordQueuePending(n int) {
	if mc == nil {
		return
	}

	mc.queuePending.Set(float64(n))
}

// RecordQueueInFlightKeys sets the in-flight key gauge.
func (mc *MetricsCollector) RecordQueueInFlightKeys(n int) {
	if mc == nil {
		return
	}

	mc.queueInFlightKeys.Set(float64(n))
}

// RecordQueueTask counts a terminal task result ("succeeded" or "failed").
func (mc *MetricsCollector) RecordQueueTask(result string) {
	if mc == nil {
		return
	}

	mc.queueTasksTotal.WithLabelValues(result).Inc()
}

// RecordQueueRetry counts a write-level retry attempt.
func (mc *MetricsCollector) RecordQueueRetry(attempt int) {
	if mc == nil {
		return
	}

	mc.queueRetriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// RecordIdempotentHit counts an enqueue answered from a recorded outcome.
func (mc *MetricsCollector) RecordIdempotentHit() {
	if mc == nil {
		return
	}

	mc.idempotentHits.Inc()
}

// RecordCoalesced counts an enqueue joined onto an in-flight execution.
func (mc *MetricsCollector) RecordCoalesced() {
	if mc == nil {
		return
	}

	mc.coalescedTotal.Inc()
}

// RecordStoreFailure counts an idempotency store failure ("get" or "set").
func (mc *MetricsCollector) RecordStoreFailure(operation string) {
	if mc == nil {
		return
	}

	mc.storeFailuresTotal.WithLabelValues(operation).Inc()
}

// RecordRateLimitRemaining sets the last observed remaining quota.
func (mc *MetricsCollector) RecordRateLimitRemaining(remaining int) {
	if mc == nil {
		return
	}

	mc.rateLimitRemaining.Set(float64(remaining))
}

// RecordRateLimited counts a rate-limited upstream response.
func (mc *MetricsCollector) RecordRateLimited() {
	if mc == nil {
		return
	}

	mc.rateLimitedTotal.Inc()
}

// RecordError increments error counter by kind.
func (mc *MetricsCollector) RecordError(kind, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(kind, method, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry when the collector
// was built on one.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}

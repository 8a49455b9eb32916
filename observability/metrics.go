package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	stablecoinOnce sync.Once
	stablecoinReg  *StablecoinMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecoin",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecoin",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablecoin",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecoin",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// StablecoinMetrics captures metrics for the solvency engine.
type StablecoinMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rejections    *prometheus.CounterVec
	compensations *prometheus.CounterVec
	healthFactor  *prometheus.HistogramVec
}

// Stablecoin returns the singleton metrics registry for the solvency engine.
func Stablecoin() *StablecoinMetrics {
	stablecoinOnce.Do(func() {
		stablecoinReg = &StablecoinMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecoin",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of position operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablecoin",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for position operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecoin",
				Subsystem: "engine",
				Name:      "rejections_total",
				Help:      "Count of rejected operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablecoin",
				Subsystem: "engine",
				Name:      "compensations_total",
				Help:      "Count of external effects reversed after a later step failed.",
			}, []string{"operation", "outcome"}),
			healthFactor: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablecoin",
				Subsystem: "engine",
				Name:      "health_factor",
				Help:      "Distribution of committed health factors for indebted positions.",
				Buckets:   []float64{100, 110, 125, 150, 200, 300, 500, 1000},
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			stablecoinReg.requests,
			stablecoinReg.latency,
			stablecoinReg.rejections,
			stablecoinReg.compensations,
			stablecoinReg.healthFactor,
		)
	})
	return stablecoinReg
}

// Observe records the execution metrics for an operation. reason is a stable
// label describing the failure and is ignored on success.
func (m *StablecoinMetrics) Observe(operation string, duration time.Duration, reason string, failed bool) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if failed {
		outcome = "error"
		if strings.TrimSpace(reason) == "" {
			reason = "unknown"
		}
		m.rejections.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCompensation counts a reversal attempt and whether it succeeded.
func (m *StablecoinMetrics) RecordCompensation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.compensations.WithLabelValues(operation, outcome).Inc()
}

// ObserveHealthFactor records the health factor of a committed indebted
// position.
func (m *StablecoinMetrics) ObserveHealthFactor(operation string, hf uint64) {
	if m == nil {
		return
	}
	m.healthFactor.WithLabelValues(operation).Observe(float64(hf))
}

// Package prommetrics exports ledger and session metrics to Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gocredit.Metrics. Credit amounts are counters so
// rate() over them gives credits per second.
type Metrics struct {
	deductions       *prometheus.CounterVec
	creditsDeducted  prometheus.Counter
	creditsAllocated *prometheus.CounterVec
	sessionEvents    *prometheus.CounterVec
	refunded         *prometheus.CounterVec
	shortfall        *prometheus.CounterVec
	storageLatency   *prometheus.HistogramVec
	storageErrors    *prometheus.CounterVec
	breakerChanges   *prometheus.CounterVec
	breakerOpen      prometheus.Gauge
}

// NewMetrics registers the ledger collectors on reg. It panics when
// namespace is already registered there.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	return &Metrics{
		deductions: counter("deductions_total",
			"Deduction attempts by whether the balance covered them.", "success"),
		creditsDeducted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_deducted_total",
			Help:      "Credits removed from allocations.",
		}),
		creditsAllocated: counter("credits_allocated_total",
			"Credits granted, by source (allocation or refund).", "source"),
		sessionEvents: counter("streaming_session_events_total",
			"Streaming session lifecycle events.", "event", "model"),
		refunded: counter("streaming_refunded_credits_total",
			"Reserved credits returned after a stream used less.", "model"),
		shortfall: counter("streaming_shortfall_credits_total",
			"Credits a stream used beyond its reservation, never charged.", "model"),
		storageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of ledger storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		storageErrors: counter("storage_operation_errors_total",
			"Ledger storage operations that failed.", "operation"),
		breakerChanges: counter("circuit_breaker_state_changes_total",
			"Storage circuit breaker transitions.", "state"),
		breakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the storage circuit breaker rejects calls.",
		}),
	}
}

func (m *Metrics) RecordDeduction(amount int64, success bool) {
	m.deductions.WithLabelValues(strconv.FormatBool(success)).Inc()
	if success {
		m.creditsDeducted.Add(float64(amount))
	}
}

func (m *Metrics) RecordAllocation(source string, credits int64) {
	m.creditsAllocated.WithLabelValues(source).Add(float64(credits))
}

func (m *Metrics) RecordSessionEvent(event, modelID string) {
	m.sessionEvents.WithLabelValues(event, modelID).Inc()
}

func (m *Metrics) RecordRefund(modelID string, credits int64) {
	m.refunded.WithLabelValues(modelID).Add(float64(credits))
}

func (m *Metrics) RecordShortfall(modelID string, credits int64) {
	m.shortfall.WithLabelValues(modelID).Add(float64(credits))
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageLatency.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.breakerChanges.WithLabelValues(state).Inc()
	if state == "open" {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}

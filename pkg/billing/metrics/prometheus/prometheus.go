// Package prommetrics exports billing provider metrics to Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subsystem = "billing"

// Metrics implements billing.Metrics.
type Metrics struct {
	webhooks        *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
	rejections      *prometheus.CounterVec
	packsGranted    *prometheus.CounterVec
	creditsGranted  *prometheus.CounterVec
	checkouts       *prometheus.CounterVec
	checkoutLatency *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg under namespace_billing_*.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
			Buckets: prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		webhooks: counter("webhook_events_total",
			"Verified webhook deliveries by response status.", "provider", "event_type", "status"),
		webhookLatency: histogram("webhook_duration_seconds",
			"Time spent handling a verified webhook delivery.", "provider", "event_type"),
		rejections: counter("webhook_rejections_total",
			"Webhook deliveries refused or failed, by reason.", "provider", "reason"),
		packsGranted: counter("packs_granted_total",
			"Credit packs allocated for completed checkouts.", "provider", "pack"),
		creditsGranted: counter("credits_granted_total",
			"Credits allocated for completed checkouts.", "provider", "pack"),
		checkouts: counter("checkouts_total",
			"Checkout attempts by outcome.", "provider", "status"),
		checkoutLatency: histogram("checkout_api_duration_seconds",
			"Latency of the provider checkout API.", "provider"),
	}
}

func (m *Metrics) RecordWebhook(provider, eventType, status string, duration time.Duration) {
	m.webhooks.WithLabelValues(provider, eventType, status).Inc()
	m.webhookLatency.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookRejected(provider, reason string) {
	m.rejections.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordPackGranted(provider, packID string, credits int64) {
	m.packsGranted.WithLabelValues(provider, packID).Inc()
	m.creditsGranted.WithLabelValues(provider, packID).Add(float64(credits))
}

func (m *Metrics) RecordCheckout(provider, status string, duration time.Duration) {
	m.checkouts.WithLabelValues(provider, status).Inc()
	if duration > 0 {
		m.checkoutLatency.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

package billing

import "time"

// Metrics observes purchase traffic through a billing provider. Providers
// fall back to NoopMetrics when none is configured.
type Metrics interface {
	// RecordWebhook counts a verified delivery by the status it answered
	// with ("success", "replayed", "pending", "ignored" or "error").
	RecordWebhook(provider, eventType, status string, duration time.Duration)
	// RecordWebhookRejected counts deliveries refused or failed, by reason.
	RecordWebhookRejected(provider, reason string)
	// RecordPackGranted counts a credit pack allocated for a paid checkout.
	RecordPackGranted(provider, packID string, credits int64)
	// RecordCheckout counts a checkout attempt. duration is the provider API
	// latency and is zero when the attempt failed before calling out.
	RecordCheckout(provider, status string, duration time.Duration)
}

type NoopMetrics struct{}

func (*NoopMetrics) RecordWebhook(string, string, string, time.Duration) {}
func (*NoopMetrics) RecordWebhookRejected(string, string)                 {}
func (*NoopMetrics) RecordPackGranted(string, string, int64)              {}
func (*NoopMetrics) RecordCheckout(string, string, time.Duration)         {}

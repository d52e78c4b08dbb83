package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func TestMetrics_Webhooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhook("stripe", "checkout.session.completed", "success", 20*time.Millisecond)
	m.RecordWebhook("stripe", "checkout.session.completed", "replayed", 5*time.Millisecond)
	m.RecordWebhook("stripe", "checkout.session.completed", "success", 10*time.Millisecond)
	m.RecordWebhookRejected("stripe", "auth_failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhooks.WithLabelValues("stripe", "checkout.session.completed", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("stripe", "checkout.session.completed", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("stripe", "auth_failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.webhookLatency))
}

func TestMetrics_PacksAndCheckouts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordPackGranted("stripe", "starter", 500)
	m.RecordPackGranted("stripe", "starter", 500)
	m.RecordCheckout("stripe", "pack_not_found", 0)
	m.RecordCheckout("stripe", "success", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packsGranted.WithLabelValues("stripe", "starter")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.creditsGranted.WithLabelValues("stripe", "starter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkouts.WithLabelValues("stripe", "pack_not_found")))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "test_billing_checkout_api_duration_seconds" {
			// the pack_not_found attempt never reached the API
			assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
			return
		}
	}
	t.Fatal("checkout latency histogram not gathered")
}

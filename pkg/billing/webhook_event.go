package billing

import "time"

// WebhookEvent reports a purchase after its credits are stored in the
// ledger. Redelivered events are reported again with Replayed set.
type WebhookEvent struct {
	UserID   string
	Provider string
	// EventType is the provider's name for the event, e.g. "checkout.session.completed".
	EventType      string
	EventTimestamp time.Time

	PackID       string
	Credits      int64
	AllocationID string
	Replayed     bool

	// PaymentID identifies the purchase at the provider and is the
	// allocation's idempotency key once prefixed with Provider.
	PaymentID string
	// AmountTotal is what the user paid in the smallest currency unit.
	AmountTotal int64
	Currency    string
}

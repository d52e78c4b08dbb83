package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a payment backend implements to sell credit packs.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes payment events.
	// Completed purchases are granted through the credit ledger.
	WebhookHandler() http.Handler

	// CheckoutURL starts a purchase of packID for userID and returns the payment page URL.
	CheckoutURL(ctx context.Context, userID, packID, successURL, cancelURL string) (string, error)
}

package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Checkout metadata keys read back by the webhook handler
const (
	metadataUserID = "user_id"
	metadataPackID = "pack_id"
)

// CheckoutURL creates a one-time payment Checkout Session for a credit pack and returns its URL.
func (p *Provider) CheckoutURL(ctx context.Context, userID, packID, successURL, cancelURL string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: userID is required", gocredit.ErrInvalidParameters)
	}
	pack, ok := p.packs[packID]
	if !ok || pack.PriceID == "" {
		p.metrics.RecordCheckout(providerName, "pack_not_found", 0)
		return "", fmt.Errorf("%w: %s", billing.ErrPackNotConfigured, packID)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(pack.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
		// read back by the webhook to grant the right pack to the right user
		Metadata: map[string]string{
			metadataUserID: userID,
			metadataPackID: packID,
		},
	}

	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err != nil {
			p.metrics.RecordCheckout(providerName, "customer_resolution_failed", 0)
			return "", fmt.Errorf("failed to resolve customer: %w", err)
		}
		if customerID != "" {
			params.Customer = stripe.String(customerID)
		}
	}
	if params.Customer == nil {
		params.CustomerCreation = stripe.String("always")
	}

	startTime := time.Now()
	session, err := p.sessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordCheckout(providerName, "error", time.Since(startTime))
		return "", fmt.Errorf("%w: failed to create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordCheckout(providerName, "success", time.Since(startTime))

	return session.URL, nil
}

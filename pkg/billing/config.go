package billing

import (
	"context"
	"fmt"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// CreditPack is a purchasable bundle of credits
type CreditPack struct {
	// Credits granted on purchase
	Credits int64

	// ExpiryDays is the lifetime of the granted allocation
	ExpiryDays int

	// PriceID is the provider's price identifier (e.g. a Stripe price_...)
	PriceID string
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Ledger receives an allocation for every completed purchase (required)
	Ledger *gocredit.CreditLedger

	// Packs maps pack IDs to what they grant. For example:
	// map[string]CreditPack{"starter": {Credits: 1000, ExpiryDays: 365, PriceID: "price_123"}}
	Packs map[string]CreditPack

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. checkout).
	APIKey string

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// billing/metrics/prometheus.NewMetrics exports them to Prometheus.
	Metrics Metrics

	// Logger is used for structured logging (default: gocredit.NoopLogger)
	Logger gocredit.Logger

	// WebhookCallback is invoked after a purchase has been granted.
	// An error is logged but does not fail the webhook: the credits are already allocated.
	WebhookCallback func(context.Context, WebhookEvent) error
}

// Validate checks the pack table
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return ErrProviderNotConfigured
	}
	for id, pack := range c.Packs {
		if id == "" {
			return fmt.Errorf("%w: empty pack ID", ErrPackNotConfigured)
		}
		if pack.Credits <= 0 || pack.ExpiryDays <= 0 {
			return fmt.Errorf("%w: pack %q needs positive credits and expiryDays", ErrPackNotConfigured, id)
		}
	}
	return nil
}

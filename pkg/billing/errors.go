package billing

import "errors"

var (
	// ErrProviderNotConfigured reports a provider built without a ledger, packs or credentials.
	ErrProviderNotConfigured = errors.New("billing provider not configured")
	// ErrInvalidWebhookPayload reports a verified event that cannot be turned into a grant.
	// Retrying it would fail again, so handlers answer 4xx.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
	// ErrProviderAPIError wraps failures returned by the provider's API.
	ErrProviderAPIError = errors.New("billing provider API error")
	// ErrPackNotConfigured reports an unknown credit pack, or one with no price.
	ErrPackNotConfigured = errors.New("credit pack not configured")
)

package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/billing/internal"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	eventCheckoutCompleted             = "checkout.session.completed"
	eventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	// the signature covers the raw bytes
	body, err := internal.ReadPayload(w, r, maxWebhookBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookRejected(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookRejected(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookRejected(providerName, "auth_failed")
		p.logger.Warn("stripe webhook signature rejected", gocredit.Field{Key: "error", Value: err})
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status, err := p.processWebhookEvent(r.Context(), &event)
	if err != nil {
		p.metrics.RecordWebhook(providerName, eventType, "error", time.Since(startTime))
		p.logger.Error("stripe webhook processing failed",
			gocredit.Field{Key: "event_id", Value: event.ID},
			gocredit.Field{Key: "event_type", Value: eventType},
			gocredit.Field{Key: "error", Value: err},
		)
		// malformed events would fail on every retry; acknowledge them with a 4xx
		if errors.Is(err, billing.ErrInvalidWebhookPayload) || errors.Is(err, billing.ErrPackNotConfigured) {
			p.metrics.RecordWebhookRejected(providerName, "invalid_payload")
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		p.metrics.RecordWebhookRejected(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhook(providerName, eventType, status, time.Since(startTime))
	internal.Acknowledge(w, status)
}

// processWebhookEvent grants paid checkout sessions and ignores every other event
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case eventCheckoutCompleted, eventCheckoutAsyncPaymentSucceeded:
		return p.handleCheckoutSession(ctx, event)
	default:
		return "ignored", nil
	}
}

// handleCheckoutSession allocates the purchased pack. The Checkout Session ID is the
// allocation idempotency key, so redelivered events grant nothing twice.
func (p *Provider) handleCheckoutSession(ctx context.Context, event *stripe.Event) (string, error) {
	if event.Data == nil {
		return "", fmt.Errorf("%w: event has no data", billing.ErrInvalidWebhookPayload)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	if session.Mode != stripe.CheckoutSessionModePayment {
		return "ignored", nil
	}
	// delayed payment methods complete later with async_payment_succeeded
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		return "pending", nil
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return "", fmt.Errorf("%w: checkout session %s has no user_id", billing.ErrInvalidWebhookPayload, session.ID)
	}
	packID := session.Metadata[metadataPackID]
	pack, ok := p.packs[packID]
	if !ok {
		return "", fmt.Errorf("%w: %q in checkout session %s", billing.ErrPackNotConfigured, packID, session.ID)
	}

	alloc, err := p.ledger.Allocate(ctx, userID, pack.Credits, p.allocatedBy, pack.ExpiryDays,
		"stripe checkout "+session.ID, gocredit.WithIdempotencyKey(providerName+":"+session.ID))
	replayed := errors.Is(err, gocredit.ErrDuplicateAllocation)
	if err != nil && !replayed {
		return "", err
	}

	status := "success"
	if replayed {
		status = "replayed"
	} else {
		p.metrics.RecordPackGranted(providerName, packID, pack.Credits)
	}

	evt := billing.WebhookEvent{
		UserID:         userID,
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		PackID:         packID,
		Credits:        pack.Credits,
		Replayed:       replayed,
		PaymentID:      session.ID,
		AmountTotal:    session.AmountTotal,
		Currency:       string(session.Currency),
	}
	if alloc != nil {
		evt.AllocationID = alloc.ID
	}
	p.invokeCallback(ctx, evt)
	return status, nil
}

func (p *Provider) invokeCallback(ctx context.Context, evt billing.WebhookEvent) {
	if p.callback == nil {
		return
	}
	if err := p.callback(ctx, evt); err != nil {
		p.logger.Warn("billing webhook callback failed",
			gocredit.Field{Key: "user_id", Value: evt.UserID},
			gocredit.Field{Key: "pack_id", Value: evt.PackID},
			gocredit.Field{Key: "error", Value: err},
		)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

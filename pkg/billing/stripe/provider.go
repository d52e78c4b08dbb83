package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/billing/internal"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	providerName             = "stripe"
	defaultAllocatedBy       = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBytes          = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Ledger, Packs, etc.)

	// Stripe-specific; fall back to APIKey and WebhookSecret when empty
	StripeAPIKey        string
	StripeWebhookSecret string

	// CustomerIDResolver maps a user to an existing Stripe customer (optional).
	// When it returns an ID, checkout reuses that customer instead of creating one.
	CustomerIDResolver func(context.Context, string) (string, error)

	// AllocatedBy is recorded on purchased allocations (default: "stripe")
	AllocatedBy string

	// WebhookRateLimit is the number of webhook requests allowed per client IP per minute (default: 100)
	WebhookRateLimit int
}

// checkoutSessions is the slice of the Stripe client used to start purchases
type checkoutSessions interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

// Provider implements billing.Provider for Stripe Checkout credit packs
type Provider struct {
	ledger             *gocredit.CreditLedger
	packs              map[string]billing.CreditPack
	webhookSecret      string
	allocatedBy        string
	sessions           checkoutSessions
	rateLimiter        *internal.RateLimiter
	customerIDResolver func(context.Context, string) (string, error)
	callback           func(context.Context, billing.WebhookEvent) error
	metrics            billing.Metrics
	logger             gocredit.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	apiKey := firstNonEmpty(config.StripeAPIKey, config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	packs := make(map[string]billing.CreditPack, len(config.Packs))
	for id, pack := range config.Packs {
		packs[id] = pack
	}

	allocatedBy := config.AllocatedBy
	if allocatedBy == "" {
		allocatedBy = defaultAllocatedBy
	}

	limit := config.WebhookRateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &gocredit.NoopLogger{}
	}

	return &Provider{
		ledger:             config.Ledger,
		packs:              packs,
		webhookSecret:      firstNonEmpty(config.StripeWebhookSecret, config.WebhookSecret),
		allocatedBy:        allocatedBy,
		sessions:           stripe.NewClient(apiKey).V1CheckoutSessions,
		rateLimiter:        internal.NewRateLimiter(limit, defaultRateLimitWindow),
		customerIDResolver: config.CustomerIDResolver,
		callback:           config.WebhookCallback,
		metrics:            metrics,
		logger:             logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Pack returns the configured pack
func (p *Provider) Pack(packID string) (billing.CreditPack, bool) {
	pack, ok := p.packs[packID]
	return pack, ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

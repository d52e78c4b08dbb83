package gocredit

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a streaming session
type SessionStatus string

const (
	// SessionActive marks a session holding a live reservation
	SessionActive SessionStatus = "active"
	// SessionCompleted marks a session finalized successfully
	SessionCompleted SessionStatus = "completed"
	// SessionFailed marks a session finalized unsuccessfully or aborted
	SessionFailed SessionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Usage service labels
const (
	ServiceStreaming        = "streaming"
	ServiceStreamingFailed  = "streaming-failed"
	ServiceStreamingAborted = "streaming-aborted"
)

const (
	// DefaultRefundIssuer is the allocatedBy value written on refund allocations
	DefaultRefundIssuer = "system-refund"
	// DefaultRefundExpiryDays is the lifetime of a refund allocation
	DefaultRefundExpiryDays = 30
	// DefaultBufferRatio is the reservation multiplier applied to estimated cost
	DefaultBufferRatio = 1.2
	// DefaultRate is the credits-per-1000-units rate for unknown models
	DefaultRate = 1.0
)

// CreditAllocation is a bounded, expiring grant of credits.
// RemainingCredits only decreases; an allocation is never deleted.
type CreditAllocation struct {
	ID               string
	UserID           string
	TotalCredits     int64
	RemainingCredits int64
	AllocatedBy      string
	AllocatedAt      time.Time
	ExpiresAt        time.Time // exclusive
	Notes            string
}

// Active reports whether the allocation still contributes to the balance at now.
func (a *CreditAllocation) Active(now time.Time) bool {
	return a.ExpiresAt.After(now) && a.RemainingCredits > 0
}

// StreamingSession is the reservation record for one in-flight metered operation
type StreamingSession struct {
	SessionID        string
	UserID           string
	ModelID          string
	EstimatedCredits int64
	AllocatedCredits int64
	UsedCredits      int64
	Status           SessionStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// UsageMetadata is the structured metadata attached to a usage record
type UsageMetadata struct {
	SessionID        string  `json:"sessionId"`
	Units            int64   `json:"units"`
	DurationSeconds  float64 `json:"durationSeconds"`
	AllocatedCredits int64   `json:"allocatedCredits,omitempty"`
	ShortfallCredits int64   `json:"shortfallCredits,omitempty"`
}

// UsageRecord is an immutable, append-only billable event
type UsageRecord struct {
	ID        string
	UserID    string
	Timestamp time.Time
	Service   string
	Operation string // model ID
	Credits   int64
	Metadata  UsageMetadata
}

// AllocationSummary is the balance view of one active allocation
type AllocationSummary struct {
	ID          string
	Credits     int64
	ExpiresAt   time.Time
	AllocatedAt time.Time
}

// Balance is the spendable state of a user at a point in time
type Balance struct {
	UserID            string
	TotalCredits      int64
	ActiveAllocations []AllocationSummary
	AsOf              time.Time
}

// Deduction is the portion taken from one allocation by a deduct
type Deduction struct {
	AllocationID string
	Amount       int64
}

// ClaimRequest transitions an active session to a terminal status in one conditional write
type ClaimRequest struct {
	UserID      string
	SessionID   string
	Status      SessionStatus
	UsedCredits int64
	CompletedAt time.Time
}

// InitRequest starts a streaming session
type InitRequest struct {
	SessionID      string
	UserID         string
	ModelID        string
	EstimatedUnits int64
}

// InitResult is returned by a successful Initialize
type InitResult struct {
	Session          *StreamingSession
	EstimatedCredits int64
	AllocatedCredits int64
}

// FinalizeRequest ends a streaming session with its measured units
type FinalizeRequest struct {
	SessionID   string
	UserID      string
	ActualUnits int64
	Success     bool
}

// AbortRequest ends a streaming session after a failure
type AbortRequest struct {
	SessionID      string
	UserID         string
	UnitsGenerated int64
}

// FinalizeResult is returned by Finalize and Abort
type FinalizeResult struct {
	Session       *StreamingSession
	ActualCredits int64
	Refund        int64
	// Shortfall is the cost above the reservation that was absorbed
	Shortfall        int64
	RefundAllocation *CreditAllocation
}

// PricingConfig is the static rate table, in credits per 1000 units
type PricingConfig struct {
	// DefaultRate applies to models missing from Rates (default: 1.0)
	DefaultRate float64

	// Rates maps model IDs to their rate
	Rates map[string]float64
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds ledger and session manager configuration
type Config struct {
	// Pricing is the model rate table
	Pricing PricingConfig

	// BufferRatio multiplies the estimated cost to get the reservation (default: 1.2)
	BufferRatio float64

	// RefundExpiryDays is the lifetime of refund allocations (default: 30)
	RefundExpiryDays int

	// RefundIssuer is written as AllocatedBy on refunds (default: "system-refund")
	RefundIssuer string

	// CircuitBreakerConfig wraps storage in a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Clock overrides the time source. When nil, storage time is used if the
	// backend implements TimeSource, otherwise SystemClock.
	Clock Clock
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.BufferRatio != 0 && c.BufferRatio < 1 {
		return fmt.Errorf("bufferRatio must be >= 1, got %v", c.BufferRatio)
	}
	if c.RefundExpiryDays < 0 {
		return fmt.Errorf("refundExpiryDays must not be negative, got %d", c.RefundExpiryDays)
	}
	if c.Pricing.DefaultRate < 0 {
		return fmt.Errorf("pricing default rate must not be negative, got %v", c.Pricing.DefaultRate)
	}
	for model, rate := range c.Pricing.Rates {
		if model == "" {
			return fmt.Errorf("pricing rate has empty model ID")
		}
		if rate < 0 {
			return fmt.Errorf("pricing rate for %q must not be negative, got %v", model, rate)
		}
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled {
		if cb.FailureThreshold < 0 {
			return fmt.Errorf("circuit breaker failureThreshold must not be negative")
		}
		if cb.ResetTimeout < 0 {
			return fmt.Errorf("circuit breaker resetTimeout must not be negative")
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.BufferRatio == 0 {
		c.BufferRatio = DefaultBufferRatio
	}
	if c.RefundExpiryDays == 0 {
		c.RefundExpiryDays = DefaultRefundExpiryDays
	}
	if c.RefundIssuer == "" {
		c.RefundIssuer = DefaultRefundIssuer
	}
	if c.Pricing.DefaultRate == 0 {
		c.Pricing.DefaultRate = DefaultRate
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled {
		cbCopy := *cb
		if cbCopy.FailureThreshold == 0 {
			cbCopy.FailureThreshold = 5
		}
		if cbCopy.ResetTimeout == 0 {
			cbCopy.ResetTimeout = 30 * time.Second
		}
		c.CircuitBreakerConfig = &cbCopy
	}
	return c
}

package api

import "time"

// BalanceResponse is the user's spendable balance
type BalanceResponse struct {
	UserID            string              `json:"user_id"`
	TotalCredits      int64               `json:"total_credits"`
	ActiveAllocations []AllocationSummary `json:"active_allocations"`
	AsOf              time.Time           `json:"as_of"`
}

// AllocationSummary is one non-expired allocation contributing to a balance
type AllocationSummary struct {
	ID          string    `json:"id"`
	Credits     int64     `json:"credits"`
	ExpiresAt   time.Time `json:"expires_at"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// SufficiencyResponse answers a sufficiency check
type SufficiencyResponse struct {
	UserID     string `json:"user_id"`
	Required   int64  `json:"required"`
	Sufficient bool   `json:"sufficient"`
}

// AllocateRequest grants credits to a user
type AllocateRequest struct {
	Credits        int64  `json:"credits"`
	ExpiryDays     int    `json:"expiry_days"`
	Notes          string `json:"notes,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CheckoutRequest starts a credit pack purchase
type CheckoutRequest struct {
	PackID     string `json:"pack_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// CheckoutResponse carries the payment page to redirect the user to
type CheckoutResponse struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

// Allocation is the full view of an allocation
type Allocation struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	TotalCredits     int64     `json:"total_credits"`
	RemainingCredits int64     `json:"remaining_credits"`
	AllocatedBy      string    `json:"allocated_by"`
	AllocatedAt      time.Time `json:"allocated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Notes            string    `json:"notes,omitempty"`
}

// UsageRecord is one billed operation
type UsageRecord struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Service   string      `json:"service"`
	Operation string      `json:"operation"`
	Credits   int64       `json:"credits"`
	Metadata  interface{} `json:"metadata"`
}

// InitializeSessionRequest reserves credits for a streaming operation
type InitializeSessionRequest struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	ModelID        string `json:"model_id"`
	EstimatedUnits int64  `json:"estimated_units"`
}

// InitializeSessionResponse reports the reservation
type InitializeSessionResponse struct {
	SessionID        string `json:"session_id"`
	EstimatedCredits int64  `json:"estimated_credits"`
	AllocatedCredits int64  `json:"allocated_credits"`
}

// FinalizeSessionRequest reconciles a session with its actual usage
type FinalizeSessionRequest struct {
	UserID      string `json:"user_id"`
	ActualUnits int64  `json:"actual_units"`
	Success     bool   `json:"success"`
}

// AbortSessionRequest settles an interrupted session
type AbortSessionRequest struct {
	UserID         string `json:"user_id"`
	UnitsGenerated int64  `json:"units_generated"`
}

// SettlementResponse is returned by finalize and abort
type SettlementResponse struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	ActualCredits  int64  `json:"actual_credits,omitempty"`
	PartialCredits int64  `json:"partial_credits,omitempty"`
	Refund         int64  `json:"refund"`
	Shortfall      int64  `json:"shortfall,omitempty"`
}

// Session is the read view of a streaming session
type Session struct {
	SessionID        string     `json:"session_id"`
	UserID           string     `json:"user_id"`
	ModelID          string     `json:"model_id"`
	EstimatedCredits int64      `json:"estimated_credits"`
	AllocatedCredits int64      `json:"allocated_credits"`
	UsedCredits      int64      `json:"used_credits"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

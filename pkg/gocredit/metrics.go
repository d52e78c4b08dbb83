package gocredit

import "time"

// Metrics defines the interface for tracking ledger and session activity.
type Metrics interface {
	// RecordDeduction records a deduction attempt and its outcome.
	RecordDeduction(amount int64, success bool)

	// RecordAllocation records a new allocation. source is "grant" or "refund".
	RecordAllocation(source string, credits int64)

	// RecordSessionEvent records a session lifecycle event
	// ("initialized", "rejected", "completed", "failed", "aborted").
	RecordSessionEvent(event, modelID string)

	// RecordRefund records credits returned to a user after reconciliation.
	RecordRefund(modelID string, credits int64)

	// RecordShortfall records credits consumed beyond the reservation and absorbed.
	RecordShortfall(modelID string, credits int64)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDeduction(_ int64, _ bool)                           {}
func (n *NoopMetrics) RecordAllocation(_ string, _ int64)                        {}
func (n *NoopMetrics) RecordSessionEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordRefund(_ string, _ int64)                            {}
func (n *NoopMetrics) RecordShortfall(_ string, _ int64)                         {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}

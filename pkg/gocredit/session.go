package gocredit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SessionManager runs the reserve-now, reconcile-later workflow for
// operations whose cost is only known once they finish.
//
//	(none) -> active -> completed | failed
//
// Initialize reserves a buffered estimate; Finalize or Abort claims the
// session exactly once, records usage and refunds the unused reservation as
// a new allocation. All ledger mutation goes through CreditLedger.
type SessionManager struct {
	ledger  *CreditLedger
	pricing *PricingCalculator
	buffer  decimal.Decimal
}

// NewSessionManager creates a session manager on top of a ledger
func NewSessionManager(ledger *CreditLedger, pricing *PricingCalculator) (*SessionManager, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if pricing == nil {
		return nil, fmt.Errorf("pricing calculator is required")
	}
	return &SessionManager{
		ledger:  ledger,
		pricing: pricing,
		buffer:  decimal.NewFromFloat(ledger.config.BufferRatio),
	}, nil
}

// Initialize prices the estimate, reserves ceil(estimate * BufferRatio) and
// creates the active session in one transaction. On any error neither the
// reservation nor the session exists.
func (m *SessionManager) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	switch {
	case req.SessionID == "":
		return nil, invalidf("sessionID is required")
	case req.UserID == "":
		return nil, invalidf("userID is required")
	case req.ModelID == "":
		return nil, invalidf("modelID is required")
	}

	estimated, err := m.pricing.Cost(req.ModelID, req.EstimatedUnits)
	if err != nil {
		return nil, err
	}
	allocated, err := bufferedCost(estimated, m.buffer)
	if err != nil {
		return nil, err
	}

	now := m.ledger.now(ctx)
	session := &StreamingSession{
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		ModelID:          req.ModelID,
		EstimatedCredits: estimated,
		AllocatedCredits: allocated,
		Status:           SessionActive,
		StartedAt:        now,
	}

	start := time.Now()
	err = m.ledger.storage.WithTx(ctx, req.UserID, func(tx Tx) error {
		if _, err := m.ledger.deductTx(ctx, tx, req.UserID, allocated, now); err != nil {
			return err
		}
		return tx.InsertSession(ctx, session)
	})
	metrics := m.ledger.config.Metrics
	metrics.RecordStorageOperation("initialize_session", time.Since(start), storageFault(err))
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.RecordDeduction(allocated, false)
			metrics.RecordSessionEvent("rejected", req.ModelID)
			m.ledger.config.Logger.Info("streaming session rejected",
				sessionFields(req.UserID, req.SessionID, Field{Key: "required", Value: allocated})...)
		}
		return nil, m.ledger.fail("initialize session", err, sessionFields(req.UserID, req.SessionID)...)
	}

	if allocated > 0 {
		metrics.RecordDeduction(allocated, true)
	}
	metrics.RecordSessionEvent("initialized", req.ModelID)
	m.ledger.config.Logger.Info("streaming session initialized", sessionFields(req.UserID, req.SessionID,
		Field{Key: "model_id", Value: req.ModelID},
		Field{Key: "estimated_credits", Value: estimated},
		Field{Key: "allocated_credits", Value: allocated},
	)...)

	return &InitResult{
		Session:          session,
		EstimatedCredits: estimated,
		AllocatedCredits: allocated,
	}, nil
}

// Finalize reconciles a session with its actual units. Success selects the
// terminal status (completed or failed). A second call for the same session
// returns ErrSessionNotFound.
func (m *SessionManager) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	s := settlement{
		sessionID: req.SessionID,
		userID:    req.UserID,
		units:     req.ActualUnits,
		status:    SessionCompleted,
		service:   ServiceStreaming,
		event:     "completed",
	}
	if !req.Success {
		s.status = SessionFailed
		s.service = ServiceStreamingFailed
		s.event = "failed"
	}
	return m.settle(ctx, s)
}

// Abort is Finalize with success=false for a session interrupted after
// UnitsGenerated units, recorded under the streaming-aborted label.
func (m *SessionManager) Abort(ctx context.Context, req AbortRequest) (*FinalizeResult, error) {
	return m.settle(ctx, settlement{
		sessionID: req.SessionID,
		userID:    req.UserID,
		units:     req.UnitsGenerated,
		status:    SessionFailed,
		service:   ServiceStreamingAborted,
		event:     "aborted",
	})
}

// Session returns the session owned by userID
func (m *SessionManager) Session(ctx context.Context, userID, sessionID string) (*StreamingSession, error) {
	if userID == "" || sessionID == "" {
		return nil, invalidf("userID and sessionID are required")
	}
	start := time.Now()
	session, err := m.ledger.storage.GetSession(ctx, userID, sessionID)
	m.ledger.config.Metrics.RecordStorageOperation("get_session", time.Since(start), storageFault(err))
	if err != nil {
		return nil, m.ledger.fail("get session", err, Field{Key: "session_id", Value: sessionID})
	}
	return session, nil
}

type settlement struct {
	sessionID string
	userID    string
	units     int64
	status    SessionStatus
	service   string
	event     string
}

func (m *SessionManager) settle(ctx context.Context, s settlement) (*FinalizeResult, error) {
	switch {
	case s.sessionID == "":
		return nil, invalidf("sessionID is required")
	case s.userID == "":
		return nil, invalidf("userID is required")
	case s.units < 0:
		return nil, invalidf("units must not be negative, got %d", s.units)
	}

	// The model is immutable, so pricing can happen before the claim.
	current, err := m.Session(ctx, s.userID, s.sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status != SessionActive {
		return nil, ErrSessionNotFound
	}
	actual, err := m.pricing.Cost(current.ModelID, s.units)
	if err != nil {
		return nil, err
	}

	cfg := m.ledger.config
	now := m.ledger.now(ctx)
	var result *FinalizeResult

	start := time.Now()
	err = m.ledger.storage.WithTx(ctx, s.userID, func(tx Tx) error {
		claimed, err := tx.ClaimSession(ctx, &ClaimRequest{
			UserID:      s.userID,
			SessionID:   s.sessionID,
			Status:      s.status,
			UsedCredits: actual,
			CompletedAt: now,
		})
		if err != nil {
			return err
		}

		res := &FinalizeResult{Session: claimed, ActualCredits: actual}
		if actual < claimed.AllocatedCredits {
			res.Refund = claimed.AllocatedCredits - actual
		} else {
			res.Shortfall = actual - claimed.AllocatedCredits
		}

		duration := now.Sub(claimed.StartedAt).Seconds()
		if duration < 0 {
			duration = 0
		}
		err = tx.AppendUsage(ctx, &UsageRecord{
			ID:        usageRecordID(s.userID, s.sessionID),
			UserID:    s.userID,
			Timestamp: now,
			Service:   s.service,
			Operation: claimed.ModelID,
			Credits:   actual,
			Metadata: UsageMetadata{
				SessionID:        s.sessionID,
				Units:            s.units,
				DurationSeconds:  duration,
				AllocatedCredits: claimed.AllocatedCredits,
				ShortfallCredits: res.Shortfall,
			},
		})
		if err != nil {
			return err
		}

		if res.Refund > 0 {
			refund := newAllocation(refundID(s.userID, s.sessionID), s.userID, res.Refund, cfg.RefundIssuer,
				cfg.RefundExpiryDays, fmt.Sprintf("refund from session %s", s.sessionID), now)
			if err := tx.InsertAllocation(ctx, refund); err != nil {
				return err
			}
			res.RefundAllocation = refund
		}

		result = res
		return nil
	})
	cfg.Metrics.RecordStorageOperation("settle_session", time.Since(start), storageFault(err))
	if err != nil {
		return nil, m.ledger.fail("settle session", err, sessionFields(s.userID, s.sessionID)...)
	}

	cfg.Metrics.RecordSessionEvent(s.event, current.ModelID)
	if result.Refund > 0 {
		cfg.Metrics.RecordRefund(current.ModelID, result.Refund)
		cfg.Metrics.RecordAllocation("refund", result.Refund)
	}
	if result.Shortfall > 0 {
		cfg.Metrics.RecordShortfall(current.ModelID, result.Shortfall)
		cfg.Logger.Warn("streaming session exceeded its reservation", sessionFields(s.userID, s.sessionID,
			Field{Key: "allocated_credits", Value: result.Session.AllocatedCredits},
			Field{Key: "actual_credits", Value: actual},
			Field{Key: "shortfall", Value: result.Shortfall},
		)...)
	}
	cfg.Logger.Info("streaming session "+s.event, sessionFields(s.userID, s.sessionID,
		Field{Key: "actual_credits", Value: actual},
		Field{Key: "refund", Value: result.Refund},
	)...)
	return result, nil
}

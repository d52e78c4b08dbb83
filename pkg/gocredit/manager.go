package gocredit

import "context"

// Manager bundles the pricing calculator, credit ledger and session manager
// that share one storage and configuration.
type Manager struct {
	Pricing  *PricingCalculator
	Ledger   *CreditLedger
	Sessions *SessionManager
}

// NewManager wires the ledger components over storage
func NewManager(storage Storage, config Config) (*Manager, error) {
	ledger, err := NewCreditLedger(storage, config)
	if err != nil {
		return nil, err
	}
	pricing, err := NewPricingCalculator(ledger.config.Pricing)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionManager(ledger, pricing)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Pricing:  pricing,
		Ledger:   ledger,
		Sessions: sessions,
	}, nil
}

// Balance is a shortcut for m.Ledger.Balance
func (m *Manager) Balance(ctx context.Context, userID string) (*Balance, error) {
	return m.Ledger.Balance(ctx, userID)
}

// Initialize is a shortcut for m.Sessions.Initialize
func (m *Manager) Initialize(ctx context.Context, req InitRequest) (*InitResult, error) {
	return m.Sessions.Initialize(ctx, req)
}

// Finalize is a shortcut for m.Sessions.Finalize
func (m *Manager) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	return m.Sessions.Finalize(ctx, req)
}

// Abort is a shortcut for m.Sessions.Abort
func (m *Manager) Abort(ctx context.Context, req AbortRequest) (*FinalizeResult, error) {
	return m.Sessions.Abort(ctx, req)
}

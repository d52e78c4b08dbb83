package gocredit

import (
	"context"
	"sync/atomic"
)

// Meter counts units produced by a streaming handler while its session is
// active. Middlewares put one in the request context; handlers call Add as
// they stream and Fail when the operation did not succeed.
type Meter struct {
	session *StreamingSession
	units   atomic.Int64
	failed  atomic.Bool
}

// NewMeter creates a meter for an initialized session
func NewMeter(session *StreamingSession) *Meter {
	return &Meter{session: session}
}

// Add records n more generated units. Negative values are ignored.
func (m *Meter) Add(n int64) {
	if n > 0 {
		m.units.Add(n)
	}
}

// Set overrides the unit count, e.g. with a provider-reported total.
func (m *Meter) Set(n int64) {
	if n >= 0 {
		m.units.Store(n)
	}
}

// Units returns the units counted so far
func (m *Meter) Units() int64 { return m.units.Load() }

// Fail marks the operation as failed; the session is then aborted.
func (m *Meter) Fail() { m.failed.Store(true) }

// Failed reports whether Fail was called
func (m *Meter) Failed() bool { return m.failed.Load() }

// Session returns the session backing this meter
func (m *Meter) Session() *StreamingSession { return m.session }

type meterKey struct{}

// WithMeter returns a context carrying m
func WithMeter(ctx context.Context, m *Meter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

// MeterFromContext returns the meter stored by WithMeter
func MeterFromContext(ctx context.Context) (*Meter, bool) {
	m, ok := ctx.Value(meterKey{}).(*Meter)
	return m, ok
}

// Outcome is how a metered request ended
type Outcome int

const (
	// OutcomeSucceeded finalizes the session as completed
	OutcomeSucceeded Outcome = iota
	// OutcomeFailed finalizes the session as failed
	OutcomeFailed
	// OutcomeAborted aborts the session, charging the units generated so far
	OutcomeAborted
)

// Settle closes the meter's session with the metered units. A meter marked
// with Fail is always aborted.
func (m *Manager) Settle(ctx context.Context, meter *Meter, outcome Outcome) (*FinalizeResult, error) {
	if meter == nil || meter.session == nil {
		return nil, invalidf("meter has no session")
	}
	if meter.Failed() {
		outcome = OutcomeAborted
	}

	s := meter.session
	if outcome == OutcomeAborted {
		return m.Sessions.Abort(ctx, AbortRequest{
			SessionID:      s.SessionID,
			UserID:         s.UserID,
			UnitsGenerated: meter.Units(),
		})
	}
	return m.Sessions.Finalize(ctx, FinalizeRequest{
		SessionID:   s.SessionID,
		UserID:      s.UserID,
		ActualUnits: meter.Units(),
		Success:     outcome == OutcomeSucceeded,
	})
}

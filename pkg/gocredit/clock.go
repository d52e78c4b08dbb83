package gocredit

import (
	"context"
	"time"
)

// Clock supplies the application's notion of "now".
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// TimeSource defines an interface for getting time from the storage engine.
// Backends that implement it let every process agree on expiry boundaries
// regardless of application server clock skew.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

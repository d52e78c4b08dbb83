package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const defaultMaxBodyBytes = 64 << 10

// Config wires the credits API to a Manager.
type Config struct {
	Manager *gocredit.Manager

	// GetUserID returns the authenticated caller. When set, a request for
	// another user's credits is answered with 403. When nil the user in
	// the path or body is trusted, which suits admin-only deployments.
	GetUserID func(*http.Request) string

	// IsAdmin identifies operators. Admins may address any user and are
	// the only callers allowed to allocate credits while GetUserID is set.
	IsAdmin func(*http.Request) bool

	// GetActor is recorded as AllocatedBy on allocations made through
	// the API. Defaults to "api".
	GetActor func(*http.Request) string

	// OnError replaces the default JSON error responses.
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger gocredit.Logger

	// MaxBodyBytes caps request bodies. Defaults to 64KiB.
	MaxBodyBytes int64

	// Billing, when set, serves POST /credits/{userID}/checkout.
	Billing billing.Provider
}

func (c *Config) Validate() error {
	if c.Manager == nil {
		return errors.New("manager is required")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("maxBodyBytes must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.GetActor == nil {
		c.GetActor = func(*http.Request) string { return defaultActor }
	}
	if c.Logger == nil {
		c.Logger = &gocredit.NoopLogger{}
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{config: config.withDefaults()}, nil
}

// FromHeader trusts an identity header set by an upstream gateway.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// AdminToken treats requests carrying token in headerName as admin calls.
// An empty token matches nothing.
func AdminToken(headerName, token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		got := r.Header.Get(headerName)
		return token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
}

// FromContext reads the caller from a request context value, as stored by
// authentication middleware.
func FromContext(key any) func(*http.Request) string {
	return func(r *http.Request) string {
		userID, _ := r.Context().Value(key).(string)
		return userID
	}
}

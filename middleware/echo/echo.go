// Package echo provides Echo middleware that meters streaming responses against credits
package echo

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// MeterKey is the Echo context key holding the request's *gocredit.Meter
const MeterKey = "gocredit.meter"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ModelExtractor extracts the model ID that prices the request
type ModelExtractor func(c echo.Context) string

// UnitsExtractor estimates the units (e.g. tokens) the request will generate
type UnitsExtractor func(c echo.Context) (int64, error)

// SessionIDExtractor extracts the caller-supplied session ID
// Return empty string to have one generated
type SessionIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the credit manager instance
	Manager *gocredit.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetModelID extracts the model ID from context (required)
	GetModelID ModelExtractor

	// GetEstimatedUnits estimates the units to reserve for (required)
	GetEstimatedUnits UnitsExtractor

	// GetSessionID extracts the session ID (optional)
	// If nil, defaults to the X-Request-ID header, falling back to a random UUID
	GetSessionID SessionIDExtractor

	// OnInsufficientCredits is called when the reservation cannot be covered
	// If nil, uses default response: 402 JSON
	OnInsufficientCredits func(c echo.Context, err error) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns a JSON error with a matching status code
	OnError func(c echo.Context, err error) error

	// Logger receives settlement failures
	Logger gocredit.Logger

	// SettleTimeout bounds finalize/abort after the handler returns (default: 10s)
	SettleTimeout time.Duration
}

// Middleware creates an Echo middleware that reserves credits before the handler
// and settles the session with the units counted on its Meter afterwards.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("gocredit/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/echo: Config.GetUserID is required")
	}
	if cfg.GetModelID == nil {
		panic("gocredit/echo: Config.GetModelID is required")
	}
	if cfg.GetEstimatedUnits == nil {
		panic("gocredit/echo: Config.GetEstimatedUnits is required")
	}

	// Set defaults
	if cfg.GetSessionID == nil {
		cfg.GetSessionID = FromHeader("X-Request-ID")
	}
	if cfg.Logger == nil {
		cfg.Logger = &gocredit.NoopLogger{}
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			units, err := cfg.GetEstimatedUnits(c)
			if err != nil {
				return cfg.fail(c, errors.Join(gocredit.ErrInvalidParameters, err))
			}

			sessionID := cfg.GetSessionID(c)
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			ctx := c.Request().Context()
			res, err := cfg.Manager.Initialize(ctx, gocredit.InitRequest{
				SessionID:      sessionID,
				UserID:         userID,
				ModelID:        cfg.GetModelID(c),
				EstimatedUnits: units,
			})
			if err != nil {
				if errors.Is(err, gocredit.ErrInsufficientCredits) && cfg.OnInsufficientCredits != nil {
					return cfg.OnInsufficientCredits(c, err)
				}
				return cfg.fail(c, err)
			}

			meter := gocredit.NewMeter(res.Session)
			c.Set(MeterKey, meter)
			c.SetRequest(c.Request().WithContext(gocredit.WithMeter(ctx, meter)))
			c.Response().Header().Set("X-Credits-Session", sessionID)
			c.Response().Header().Set("X-Credits-Reserved", strconv.FormatInt(res.AllocatedCredits, 10))

			defer func() {
				p := recover()
				cfg.settle(ctx, meter, outcome(responseStatus(c, err), p != nil, ctx.Err() != nil))
				if p != nil {
					panic(p)
				}
			}()

			return next(c)
		}
	}
}

// MeterFromContext returns the meter stored by Middleware
func MeterFromContext(c echo.Context) (*gocredit.Meter, bool) {
	m, ok := c.Get(MeterKey).(*gocredit.Meter)
	return m, ok
}

// responseStatus is the status the client sees; a returned error is written
// later by Echo's HTTPErrorHandler.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func outcome(status int, panicked, canceled bool) gocredit.Outcome {
	switch {
	case panicked || canceled || status >= http.StatusInternalServerError:
		return gocredit.OutcomeAborted
	case status >= http.StatusBadRequest:
		return gocredit.OutcomeFailed
	default:
		return gocredit.OutcomeSucceeded
	}
}

func (cfg *Config) settle(ctx context.Context, meter *gocredit.Meter, o gocredit.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SettleTimeout)
	defer cancel()

	if _, err := cfg.Manager.Settle(ctx, meter, o); err != nil {
		cfg.Logger.Error("failed to settle streaming session",
			gocredit.Field{Key: "session_id", Value: meter.Session().SessionID},
			gocredit.Field{Key: "user_id", Value: meter.Session().UserID},
			gocredit.Field{Key: "units", Value: meter.Units()},
			gocredit.Field{Key: "error", Value: err},
		)
	}
}

func (cfg *Config) fail(c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	switch {
	case errors.Is(err, gocredit.ErrInsufficientCredits):
		return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Insufficient credits"})
	case errors.Is(err, gocredit.ErrInvalidParameters):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
	case errors.Is(err, gocredit.ErrSessionExists):
		return c.JSON(http.StatusConflict, map[string]string{"error": "Session already exists"})
	case errors.Is(err, gocredit.ErrCircuitOpen):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
}

// Convenience extractors

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In credit middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an extractor that reads a header
func FromHeader(headerName string) func(c echo.Context) string {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an extractor that reads a route parameter
func FromParam(paramName string) func(c echo.Context) string {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedModel returns a ModelExtractor that always returns the same model
func FixedModel(modelID string) ModelExtractor {
	return func(echo.Context) string {
		return modelID
	}
}

// FixedUnits returns a UnitsExtractor that always estimates the same amount
func FixedUnits(units int64) UnitsExtractor {
	return func(echo.Context) (int64, error) {
		return units, nil
	}
}

// UnitsFromQuery returns a UnitsExtractor that parses an integer query parameter.
// A missing parameter estimates zero units.
func UnitsFromQuery(name string) UnitsExtractor {
	return func(c echo.Context) (int64, error) {
		v := c.QueryParam(name)
		if v == "" {
			return 0, nil
		}
		return strconv.ParseInt(v, 10, 64)
	}
}

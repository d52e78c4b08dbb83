// Package gin provides Gin middleware that meters streaming responses against credits
package gin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// MeterKey is the Gin context key holding the request's *gocredit.Meter
const MeterKey = "gocredit.meter"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ModelExtractor extracts the model ID that prices the request
type ModelExtractor func(c *gongin.Context) string

// UnitsExtractor estimates the units (e.g. tokens) the request will generate
type UnitsExtractor func(c *gongin.Context) (int64, error)

// SessionIDExtractor extracts the caller-supplied session ID
// Return empty string to have one generated
type SessionIDExtractor func(c *gongin.Context) string

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
	OnInsufficientCredits func(c *gongin.Context, err error)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns a JSON error with a matching status code
	OnError func(c *gongin.Context, err error)

	// Logger receives settlement failures
	Logger gocredit.Logger

	// SettleTimeout bounds finalize/abort after the handler chain returns (default: 10s)
	SettleTimeout time.Duration
}

// Middleware creates a Gin middleware that reserves credits before the handler chain
// and settles the session with the units counted on its Meter afterwards.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("gocredit/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/gin: Config.GetUserID is required")
	}
	if cfg.GetModelID == nil {
		panic("gocredit/gin: Config.GetModelID is required")
	}
	if cfg.GetEstimatedUnits == nil {
		panic("gocredit/gin: Config.GetEstimatedUnits is required")
	}

	if cfg.GetSessionID == nil {
		cfg.GetSessionID = FromHeader("X-Request-ID")
	}
	if cfg.Logger == nil {
		cfg.Logger = &gocredit.NoopLogger{}
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		units, err := cfg.GetEstimatedUnits(c)
		if err != nil {
			cfg.fail(c, errors.Join(gocredit.ErrInvalidParameters, err))
			return
		}

		sessionID := cfg.GetSessionID(c)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		ctx := c.Request.Context()
		res, err := cfg.Manager.Initialize(ctx, gocredit.InitRequest{
			SessionID:      sessionID,
			UserID:         userID,
			ModelID:        cfg.GetModelID(c),
			EstimatedUnits: units,
		})
		if err != nil {
			if errors.Is(err, gocredit.ErrInsufficientCredits) && cfg.OnInsufficientCredits != nil {
				cfg.OnInsufficientCredits(c, err)
				c.Abort()
				return
			}
			cfg.fail(c, err)
			return
		}

		meter := gocredit.NewMeter(res.Session)
		c.Set(MeterKey, meter)
		c.Request = c.Request.WithContext(gocredit.WithMeter(ctx, meter))
		c.Header("X-Credits-Session", sessionID)
		c.Header("X-Credits-Reserved", strconv.FormatInt(res.AllocatedCredits, 10))

		defer func() {
			p := recover()
			cfg.settle(ctx, meter, outcome(c.Writer.Status(), p != nil, ctx.Err() != nil))
			if p != nil {
				panic(p)
			}
		}()

		c.Next()
	}
}

// MeterFromContext returns the meter stored by Middleware
func MeterFromContext(c *gongin.Context) (*gocredit.Meter, bool) {
	if val, exists := c.Get(MeterKey); exists {
		m, ok := val.(*gocredit.Meter)
		return m, ok
	}
	return nil, false
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

func (cfg *Config) fail(c *gongin.Context, err error) {
	defer c.Abort()
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		return
	}
	switch {
	case errors.Is(err, gocredit.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Insufficient credits"})
	case errors.Is(err, gocredit.ErrInvalidParameters):
		c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
	case errors.Is(err, gocredit.ErrSessionExists):
		c.JSON(http.StatusConflict, gongin.H{"error": "Session already exists"})
	case errors.Is(err, gocredit.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
	}
}

// Convenience extractors

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In credit middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an extractor that reads a header
func FromHeader(headerName string) func(c *gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an extractor that reads a route parameter
func FromParam(paramName string) func(c *gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedModel returns a ModelExtractor that always returns the same model
func FixedModel(modelID string) ModelExtractor {
	return func(*gongin.Context) string {
		return modelID
	}
}

// FixedUnits returns a UnitsExtractor that always estimates the same amount
func FixedUnits(units int64) UnitsExtractor {
	return func(*gongin.Context) (int64, error) {
		return units, nil
	}
}

// UnitsFromQuery returns a UnitsExtractor that parses an integer query parameter.
// A missing parameter estimates zero units.
func UnitsFromQuery(name string) UnitsExtractor {
	return func(c *gongin.Context) (int64, error) {
		v := c.Query(name)
		if v == "" {
			return 0, nil
		}
		return strconv.ParseInt(v, 10, 64)
	}
}

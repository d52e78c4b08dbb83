// Package fiber provides Fiber middleware that meters streaming responses against credits
package fiber

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// MeterKey is the Fiber locals key holding the request's *gocredit.Meter
const MeterKey = "gocredit.meter"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// ModelExtractor extracts the model ID that prices the request
type ModelExtractor func(c *fiber.Ctx) string

// UnitsExtractor estimates the units (e.g. tokens) the request will generate
type UnitsExtractor func(c *fiber.Ctx) (int64, error)

// SessionIDExtractor extracts the caller-supplied session ID
// Return empty string to have one generated
type SessionIDExtractor func(c *fiber.Ctx) string

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
	OnInsufficientCredits func(c *fiber.Ctx, err error) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns a JSON error with a matching status code
	OnError func(c *fiber.Ctx, err error) error

	// Logger receives settlement failures
	Logger gocredit.Logger

	// SettleTimeout bounds finalize/abort after the handler returns (default: 10s)
	SettleTimeout time.Duration
}

// Middleware creates a Fiber middleware that reserves credits before the handler
// and settles the session with the units counted on its Meter afterwards.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("gocredit/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredit/fiber: Config.GetUserID is required")
	}
	if cfg.GetModelID == nil {
		panic("gocredit/fiber: Config.GetModelID is required")
	}
	if cfg.GetEstimatedUnits == nil {
		panic("gocredit/fiber: Config.GetEstimatedUnits is required")
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

	return func(c *fiber.Ctx) (err error) {
		// fasthttp reuses request buffers; IDs outlive the handler
		userID := utils.CopyString(cfg.GetUserID(c))
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		units, err := cfg.GetEstimatedUnits(c)
		if err != nil {
			return cfg.fail(c, errors.Join(gocredit.ErrInvalidParameters, err))
		}

		sessionID := utils.CopyString(cfg.GetSessionID(c))
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		// Fiber uses fasthttp, so the context.Context lives in c.UserContext()
		ctx := c.UserContext()
		res, err := cfg.Manager.Initialize(ctx, gocredit.InitRequest{
			SessionID:      sessionID,
			UserID:         userID,
			ModelID:        utils.CopyString(cfg.GetModelID(c)),
			EstimatedUnits: units,
		})
		if err != nil {
			if errors.Is(err, gocredit.ErrInsufficientCredits) && cfg.OnInsufficientCredits != nil {
				return cfg.OnInsufficientCredits(c, err)
			}
			return cfg.fail(c, err)
		}

		meter := gocredit.NewMeter(res.Session)
		c.Locals(MeterKey, meter)
		c.SetUserContext(gocredit.WithMeter(ctx, meter))
		c.Set("X-Credits-Session", sessionID)
		c.Set("X-Credits-Reserved", strconv.FormatInt(res.AllocatedCredits, 10))

		defer func() {
			p := recover()
			cfg.settle(ctx, meter, outcome(responseStatus(c, err), p != nil, ctx.Err() != nil))
			if p != nil {
				panic(p)
			}
		}()

		return c.Next()
	}
}

// MeterFromContext returns the meter stored by Middleware
func MeterFromContext(c *fiber.Ctx) (*gocredit.Meter, bool) {
	m, ok := c.Locals(MeterKey).(*gocredit.Meter)
	return m, ok
}

// responseStatus is the status the client sees; a returned error is written
// later by the app's ErrorHandler.
func responseStatus(c *fiber.Ctx, err error) int {
	if err == nil {
		return c.Response().StatusCode()
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

func outcome(status int, panicked, canceled bool) gocredit.Outcome {
	switch {
	case panicked || canceled || status >= fiber.StatusInternalServerError:
		return gocredit.OutcomeAborted
	case status >= fiber.StatusBadRequest:
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

func (cfg *Config) fail(c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	switch {
	case errors.Is(err, gocredit.ErrInsufficientCredits):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Insufficient credits"})
	case errors.Is(err, gocredit.ErrInvalidParameters):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
	case errors.Is(err, gocredit.ErrSessionExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Session already exists"})
	case errors.Is(err, gocredit.ErrCircuitOpen):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
	}
}

// Convenience extractors

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In credit middleware config:
//	GetUserID: fiber.FromLocals("UserID")
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an extractor that reads a header
func FromHeader(headerName string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an extractor that reads a route parameter
func FromParam(paramName string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedModel returns a ModelExtractor that always returns the same model
func FixedModel(modelID string) ModelExtractor {
	return func(*fiber.Ctx) string {
		return modelID
	}
}

// FixedUnits returns a UnitsExtractor that always estimates the same amount
func FixedUnits(units int64) UnitsExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return units, nil
	}
}

// UnitsFromQuery returns a UnitsExtractor that parses an integer query parameter.
// A missing parameter estimates zero units.
func UnitsFromQuery(name string) UnitsExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		v := c.Query(name)
		if v == "" {
			return 0, nil
		}
		return strconv.ParseInt(v, 10, 64)
	}
}

// Package http provides net/http middleware that meters streaming responses against credits
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// ModelExtractor extracts the model ID that prices the request
type ModelExtractor func(r *http.Request) string

// UnitsExtractor estimates the units (e.g. tokens) the request will generate
type UnitsExtractor func(r *http.Request) (int64, error)

// SessionIDExtractor extracts the caller-supplied session ID
// Return empty string to have one generated
type SessionIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the credit manager instance
	Manager *gocredit.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetModelID extracts the model ID from request (required)
	GetModelID ModelExtractor

	// GetEstimatedUnits estimates the units to reserve for (required)
	GetEstimatedUnits UnitsExtractor

	// GetSessionID extracts the session ID (optional)
	// If nil, defaults to the X-Request-ID header, falling back to a random UUID
	GetSessionID SessionIDExtractor

	// OnInsufficientCredits is called when the reservation cannot be covered
	// If nil, returns 402 Payment Required
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, err error)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns a JSON error with a matching status code
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger receives settlement failures, which happen after the response is written
	Logger gocredit.Logger

	// SettleTimeout bounds finalize/abort after the handler returns (default: 10s)
	SettleTimeout time.Duration
}

// Middleware creates an HTTP middleware that reserves credits before the handler
// runs and settles the session with the units counted on its Meter afterwards.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("gocredit/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("gocredit/http: Config.GetUserID is required")
	}
	if config.GetModelID == nil {
		panic("gocredit/http: Config.GetModelID is required")
	}
	if config.GetEstimatedUnits == nil {
		panic("gocredit/http: Config.GetEstimatedUnits is required")
	}
	if config.GetSessionID == nil {
		config.GetSessionID = FromHeader("X-Request-ID")
	}
	if config.Logger == nil {
		config.Logger = &gocredit.NoopLogger{}
	}
	if config.SettleTimeout <= 0 {
		config.SettleTimeout = 10 * time.Second
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			units, err := config.GetEstimatedUnits(r)
			if err != nil {
				config.fail(w, r, errors.Join(gocredit.ErrInvalidParameters, err))
				return
			}

			sessionID := config.GetSessionID(r)
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			ctx := r.Context()
			res, err := config.Manager.Initialize(ctx, gocredit.InitRequest{
				SessionID:      sessionID,
				UserID:         userID,
				ModelID:        config.GetModelID(r),
				EstimatedUnits: units,
			})
			if err != nil {
				if errors.Is(err, gocredit.ErrInsufficientCredits) && config.OnInsufficientCredits != nil {
					config.OnInsufficientCredits(w, r, err)
					return
				}
				config.fail(w, r, err)
				return
			}

			meter := gocredit.NewMeter(res.Session)
			w.Header().Set("X-Credits-Session", sessionID)
			w.Header().Set("X-Credits-Reserved", strconv.FormatInt(res.AllocatedCredits, 10))

			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				p := recover()
				outcome := Outcome(rec.status, p != nil, ctx.Err() != nil)
				config.settle(ctx, meter, outcome)
				if p != nil {
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(gocredit.WithMeter(ctx, meter)))
		})
	}
}

// HandlerFunc creates an HTTP middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// Outcome maps how a handler ended to a session outcome: panics, server errors
// and client disconnects abort, client errors fail, anything else succeeds.
func Outcome(status int, panicked, canceled bool) gocredit.Outcome {
	switch {
	case panicked || canceled || status >= http.StatusInternalServerError:
		return gocredit.OutcomeAborted
	case status >= http.StatusBadRequest:
		return gocredit.OutcomeFailed
	default:
		return gocredit.OutcomeSucceeded
	}
}

func (c *Config) settle(ctx context.Context, meter *gocredit.Meter, outcome gocredit.Outcome) {
	// the request context may already be canceled; settlement must still land
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.SettleTimeout)
	defer cancel()

	if _, err := c.Manager.Settle(ctx, meter, outcome); err != nil {
		c.Logger.Error("failed to settle streaming session",
			gocredit.Field{Key: "session_id", Value: meter.Session().SessionID},
			gocredit.Field{Key: "user_id", Value: meter.Session().UserID},
			gocredit.Field{Key: "units", Value: meter.Units()},
			gocredit.Field{Key: "error", Value: err},
		)
	}
}

func (c *Config) fail(w http.ResponseWriter, r *http.Request, err error) {
	if c.OnError != nil {
		c.OnError(w, r, err)
		return
	}
	switch {
	case errors.Is(err, gocredit.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "Insufficient credits")
	case errors.Is(err, gocredit.ErrInvalidParameters):
		writeError(w, http.StatusBadRequest, "Bad Request")
	case errors.Is(err, gocredit.ErrSessionExists):
		writeError(w, http.StatusConflict, "Session already exists")
	case errors.Is(err, gocredit.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusRecorder remembers the status code written by the handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Flush lets streaming handlers push partial output
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "credit:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an extractor that reads a header
func FromHeader(headerName string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedModel returns a ModelExtractor that always returns the same model
func FixedModel(modelID string) ModelExtractor {
	return func(*http.Request) string {
		return modelID
	}
}

// FixedUnits returns a UnitsExtractor that always estimates the same amount
func FixedUnits(units int64) UnitsExtractor {
	return func(*http.Request) (int64, error) {
		return units, nil
	}
}

// UnitsFromHeader returns a UnitsExtractor that parses an integer header.
// The header is required: without an estimate nothing would be reserved and
// the whole stream would end up as shortfall. Use FixedUnits for a default.
func UnitsFromHeader(headerName string) UnitsExtractor {
	return func(r *http.Request) (int64, error) {
		v := r.Header.Get(headerName)
		if v == "" {
			return 0, fmt.Errorf("%s header is required", headerName)
		}
		return strconv.ParseInt(v, 10, 64)
	}
}

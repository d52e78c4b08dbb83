package api

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/gocredit/pkg/billing"
	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

var (
	errUnauthenticated = errors.New("user ID not found")
	errForbidden       = errors.New("access to another user's credits is not allowed")
	errAdminOnly       = errors.New("operation requires an admin caller")
)

// StatusFor maps an error to its HTTP status code and machine-readable code
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, gocredit.ErrInvalidParameters):
		return http.StatusBadRequest, "invalid_parameters"
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, gocredit.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, errForbidden), errors.Is(err, errAdminOnly):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, gocredit.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, gocredit.ErrSessionExists):
		return http.StatusConflict, "session_exists"
	case errors.Is(err, gocredit.ErrDuplicateAllocation):
		return http.StatusConflict, "duplicate_allocation"
	case errors.Is(err, billing.ErrPackNotConfigured):
		return http.StatusNotFound, "pack_not_found"
	case errors.Is(err, gocredit.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway, "provider_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		h.config.Logger.Error("request failed",
			gocredit.Field{Key: "method", Value: r.Method},
			gocredit.Field{Key: "path", Value: r.URL.Path},
			gocredit.Field{Key: "error", Value: err},
		)
		// storage and provider details stay in the log
		msg = http.StatusText(status)
	}
	h.writeJSON(w, r, status, ErrorResponse{Error: msg, Code: code})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

const (
	defaultActor = "api"
	maxIDLen     = 255
)

// Handler provides HTTP endpoints for credit balances and streaming sessions
type Handler struct {
	config Config
}

// Routes mounts every endpoint on a chi router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/credits/{userID}", func(r chi.Router) {
		r.Get("/balance", h.GetBalance)
		r.Get("/sufficient", h.CheckSufficient)
		r.Get("/allocations", h.ListAllocations)
		r.Post("/allocations", h.Allocate)
		r.Get("/usage", h.ListUsage)
		if h.config.Billing != nil {
			r.Post("/checkout", h.Checkout)
		}
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.InitializeSession)
		r.Get("/{sessionID}", h.GetSession)
		r.Post("/{sessionID}/finalize", h.FinalizeSession)
		r.Post("/{sessionID}/abort", h.AbortSession)
	})
	return r
}

// GetBalance returns the user's spendable credits
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Manager.Balance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := BalanceResponse{
		UserID:            balance.UserID,
		TotalCredits:      balance.TotalCredits,
		ActiveAllocations: make([]AllocationSummary, 0, len(balance.ActiveAllocations)),
		AsOf:              balance.AsOf,
	}
	for _, a := range balance.ActiveAllocations {
		resp.ActiveAllocations = append(resp.ActiveAllocations, AllocationSummary{
			ID:          a.ID,
			Credits:     a.Credits,
			ExpiresAt:   a.ExpiresAt,
			AllocatedAt: a.AllocatedAt,
		})
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// CheckSufficient reports whether the user can cover ?required=N credits
func (h *Handler) CheckSufficient(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}

	required, err := strconv.ParseInt(r.URL.Query().Get("required"), 10, 64)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("%w: required must be an integer", gocredit.ErrInvalidParameters))
		return
	}

	sufficient, err := h.config.Manager.Ledger.Sufficient(r.Context(), userID, required)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, SufficiencyResponse{
		UserID:     userID,
		Required:   required,
		Sufficient: sufficient,
	})
}

// Allocate grants credits to the user in the path. With GetUserID set only
// IsAdmin callers may allocate; users never grant themselves credits.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}
	if h.config.GetUserID != nil && !h.isAdmin(r) {
		h.handleError(w, r, errAdminOnly)
		return
	}

	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}

	var opts []gocredit.AllocateOption
	if req.IdempotencyKey != "" {
		opts = append(opts, gocredit.WithIdempotencyKey(req.IdempotencyKey))
	}
	alloc, err := h.config.Manager.Ledger.Allocate(
		r.Context(), userID, req.Credits, h.config.GetActor(r), req.ExpiryDays, req.Notes, opts...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, toAllocation(alloc))
}

// Checkout starts a credit pack purchase and returns the provider's payment URL
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PackID == "" || req.SuccessURL == "" || req.CancelURL == "" {
		h.handleError(w, r, fmt.Errorf("%w: pack_id, success_url and cancel_url are required",
			gocredit.ErrInvalidParameters))
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), userID, req.PackID, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, CheckoutResponse{
		Provider: h.config.Billing.Name(),
		URL:      url,
	})
}

// ListAllocations returns every allocation of the user, expired and drained included
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}

	allocs, err := h.config.Manager.Ledger.Allocations(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := make([]Allocation, 0, len(allocs))
	for _, a := range allocs {
		resp = append(resp, toAllocation(a))
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// ListUsage returns the user's usage records in timestamp order
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}

	records, err := h.config.Manager.Ledger.Usage(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := make([]UsageRecord, 0, len(records))
	for _, rec := range records {
		resp = append(resp, UsageRecord{
			ID:        rec.ID,
			Timestamp: rec.Timestamp,
			Service:   rec.Service,
			Operation: rec.Operation,
			Credits:   rec.Credits,
			Metadata:  rec.Metadata,
		})
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// InitializeSession reserves credits for a streaming operation
func (h *Handler) InitializeSession(w http.ResponseWriter, r *http.Request) {
	var req InitializeSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorize(w, r, req.UserID) {
		return
	}

	res, err := h.config.Manager.Initialize(r.Context(), gocredit.InitRequest{
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		ModelID:        req.ModelID,
		EstimatedUnits: req.EstimatedUnits,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, InitializeSessionResponse{
		SessionID:        res.Session.SessionID,
		EstimatedCredits: res.EstimatedCredits,
		AllocatedCredits: res.AllocatedCredits,
	})
}

// GetSession returns a session owned by ?user_id=
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !h.authorize(w, r, userID) {
		return
	}

	session, err := h.config.Manager.Sessions.Session(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, Session{
		SessionID:        session.SessionID,
		UserID:           session.UserID,
		ModelID:          session.ModelID,
		EstimatedCredits: session.EstimatedCredits,
		AllocatedCredits: session.AllocatedCredits,
		UsedCredits:      session.UsedCredits,
		Status:           string(session.Status),
		StartedAt:        session.StartedAt,
		CompletedAt:      session.CompletedAt,
	})
}

// FinalizeSession settles a session against its actual usage
func (h *Handler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	var req FinalizeSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorize(w, r, req.UserID) {
		return
	}

	res, err := h.config.Manager.Finalize(r.Context(), gocredit.FinalizeRequest{
		SessionID:   chi.URLParam(r, "sessionID"),
		UserID:      req.UserID,
		ActualUnits: req.ActualUnits,
		Success:     req.Success,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, SettlementResponse{
		SessionID:     res.Session.SessionID,
		Status:        string(res.Session.Status),
		ActualCredits: res.ActualCredits,
		Refund:        res.Refund,
		Shortfall:     res.Shortfall,
	})
}

// AbortSession settles an interrupted session, charging only what was generated
func (h *Handler) AbortSession(w http.ResponseWriter, r *http.Request) {
	var req AbortSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorize(w, r, req.UserID) {
		return
	}

	res, err := h.config.Manager.Abort(r.Context(), gocredit.AbortRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		UserID:         req.UserID,
		UnitsGenerated: req.UnitsGenerated,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, SettlementResponse{
		SessionID:      res.Session.SessionID,
		Status:         string(res.Session.Status),
		PartialCredits: res.ActualCredits,
		Refund:         res.Refund,
		Shortfall:      res.Shortfall,
	})
}

func (h *Handler) pathUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	return userID, h.authorize(w, r, userID)
}

// authorize validates the addressed user and, with GetUserID set, that it is
// the caller or the caller is an admin
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	if len(userID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("%w: user ID too long", gocredit.ErrInvalidParameters))
		return false
	}
	if h.config.GetUserID == nil || h.isAdmin(r) {
		return true
	}
	caller := h.config.GetUserID(r)
	switch {
	case caller == "":
		h.handleError(w, r, errUnauthenticated)
		return false
	case caller != userID:
		h.handleError(w, r, errForbidden)
		return false
	}
	return true
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return h.config.IsAdmin != nil && h.config.IsAdmin(r)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: malformed request body: %v", gocredit.ErrInvalidParameters, err))
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("%w: trailing data after request body", gocredit.ErrInvalidParameters))
		return false
	}
	return true
}

func toAllocation(a *gocredit.CreditAllocation) Allocation {
	return Allocation{
		ID:               a.ID,
		UserID:           a.UserID,
		TotalCredits:     a.TotalCredits,
		RemainingCredits: a.RemainingCredits,
		AllocatedBy:      a.AllocatedBy,
		AllocatedAt:      a.AllocatedAt,
		ExpiresAt:        a.ExpiresAt,
		Notes:            a.Notes,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// headers already sent
		h.config.Logger.Warn("failed to encode response",
			gocredit.Field{Key: "path", Value: r.URL.Path},
			gocredit.Field{Key: "error", Value: err},
		)
	}
}

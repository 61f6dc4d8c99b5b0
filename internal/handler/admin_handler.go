package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"admission-service/internal/monitor"
	"admission-service/internal/ratelimit"
	"admission-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminHandler exposes inspection and override operations on the limiter.
type AdminHandler struct {
	limiter *ratelimit.Limiter
	monitor *monitor.Monitor
	logger  *zap.Logger
}

func NewAdminHandler(limiter *ratelimit.Limiter, mon *monitor.Monitor, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		limiter: limiter,
		monitor: mon,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// keyState is the admin view of one quota bucket.
type keyState struct {
	Policy       string     `json:"policy"`
	Identity     string     `json:"identity"`
	Allowed      bool       `json:"allowed"`
	Limit        int        `json:"limit"`
	Remaining    int        `json:"remaining"`
	ResetAt      *time.Time `json:"reset_at,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Degraded     bool       `json:"degraded"`
}

// RegisterRoutes registers the admin routes.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/ratelimit", func(r chi.Router) {
		r.Get("/policies", h.ListPolicies)
		r.Get("/health", h.BackendHealth)
		r.Get("/violations", h.ListViolations)
		r.Delete("/violations", h.PurgeViolations)
		r.Get("/{policy}/{identity}", h.InspectKey)
		r.Delete("/{policy}/{identity}", h.ClearKey)
	})
}

// ListPolicies returns the names of all registered policies.
func (h *AdminHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.limiter.Registry().Names(), "Registered policies"))
}

// BackendHealth reports which counter backend is currently enforcing.
func (h *AdminHandler) BackendHealth(w http.ResponseWriter, r *http.Request) {
	state := h.limiter.Health().State()
	data := map[string]interface{}{
		"state":          state.String(),
		"events_dropped": h.monitor.Dropped(),
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(data, "Counter backend health"))
}

// InspectKey returns the current window and block state for one key.
func (h *AdminHandler) InspectKey(w http.ResponseWriter, r *http.Request) {
	policy := chi.URLParam(r, "policy")
	identity := util.NormalizeIdentity(chi.URLParam(r, "identity"))

	res, err := h.limiter.Inspect(r.Context(), identity, policy)
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnknownPolicy) {
			h.respondWithError(w, http.StatusNotFound, err, "Unknown policy")
			return
		}
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to inspect key")
		return
	}

	state := keyState{
		Policy:    policy,
		Identity:  identity,
		Allowed:   res.Allowed,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		Degraded:  res.Degraded,
	}
	if !res.ResetAt.IsZero() {
		state.ResetAt = &res.ResetAt
	}
	if !res.BlockedUntil.IsZero() {
		state.BlockedUntil = &res.BlockedUntil
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(state, "Key state"))
}

// ClearKey removes the window and block for one key. The next request for
// the key is treated as first-ever.
func (h *AdminHandler) ClearKey(w http.ResponseWriter, r *http.Request) {
	policy := chi.URLParam(r, "policy")
	identity := util.NormalizeIdentity(chi.URLParam(r, "identity"))

	if err := h.limiter.Reset(r.Context(), identity, policy); err != nil {
		if errors.Is(err, ratelimit.ErrUnknownPolicy) {
			h.respondWithError(w, http.StatusNotFound, err, "Unknown policy")
			return
		}
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to clear key")
		return
	}

	h.logger.Info("rate limit key cleared by admin",
		util.String("policy", policy),
		util.String("identity", identity),
	)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Key cleared"))
}

// ListViolations returns violation events in a time range, newest first.
func (h *AdminHandler) ListViolations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	to := time.Now()
	from := to.Add(-time.Hour)
	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid from timestamp")
			return
		}
		from = parsed
	}
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid to timestamp")
			return
		}
		to = parsed
	}
	limit := 100
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
			return
		}
		limit = parsed
	}

	events, err := h.monitor.Recent(r.Context(), query.Get("key"), from, to, limit)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to query violations")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(events, "Violation events"))
}

// PurgeViolations deletes violation events older than the cutoff.
func (h *AdminHandler) PurgeViolations(w http.ResponseWriter, r *http.Request) {
	before := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid before timestamp")
			return
		}
		before = parsed
	}

	if err := h.monitor.Purge(r.Context(), before); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Failed to purge violations")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Violations purged"))
}

func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AdminHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

package handler

import (
	"encoding/json"
	"net/http"

	"admission-service/internal/config"
	"admission-service/internal/middleware"
	"admission-service/internal/ratelimit"
	"admission-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ProtectedHandler binds the admission middleware to the endpoints this
// service fronts. The handlers themselves are pass-throughs: the business
// logic (authentication, OTP issuance, search) lives upstream; only the
// admission decision happens here.
type ProtectedHandler struct {
	limiter *ratelimit.Limiter
	config  *config.Config
	logger  *zap.Logger
}

func NewProtectedHandler(limiter *ratelimit.Limiter, cfg *config.Config, logger *zap.Logger) *ProtectedHandler {
	return &ProtectedHandler{
		limiter: limiter,
		config:  cfg,
		logger:  logger,
	}
}

// RegisterRoutes wires one policy per protected operation. Key derivation
// differs per endpoint: credential endpoints key on the target account so an
// attacker rotating IPs still hits the same bucket, traffic endpoints key on
// the caller.
func (h *ProtectedHandler) RegisterRoutes(router chi.Router) {
	bypass := h.bypassPredicate()

	router.With(middleware.Admission(h.limiter, "login",
		middleware.WithKeyFunc(middleware.KeyByFormValue("email")),
		middleware.WithSkipSuccessfulRequests(),
	)).Post("/login", h.Login)

	router.With(middleware.Admission(h.limiter, "otp",
		middleware.WithKeyFunc(middleware.KeyByHeader("X-User-ID")),
	)).Post("/otp", h.RequestOTP)

	router.With(middleware.Admission(h.limiter, "register")).
		Post("/register", h.Register)

	router.With(middleware.Admission(h.limiter, "search",
		middleware.WithBypass(bypass),
	)).Get("/search", h.Search)

	router.With(middleware.Admission(h.limiter, "email",
		middleware.WithKeyFunc(middleware.KeyByFormValue("email")),
	)).Post("/email", h.SendEmail)

	router.With(middleware.Admission(h.limiter, "invite",
		middleware.WithKeyFunc(middleware.KeyByHeader("X-User-ID")),
		middleware.WithBypass(bypass),
	)).Post("/invitations", h.CreateInvitation)
}

// bypassPredicate grants explicit admission bypass to privileged internal
// callers carrying the configured token. With no token configured, nothing
// bypasses.
func (h *ProtectedHandler) bypassPredicate() func(r *http.Request) bool {
	token := h.config.RateLimit.BypassToken
	return func(r *http.Request) bool {
		if token == "" {
			return false
		}
		if r.Header.Get("X-Admission-Bypass") != token {
			return false
		}
		h.logger.Info("admission bypass used",
			util.String("path", r.URL.Path),
			util.String("remote_addr", r.RemoteAddr),
		)
		return true
	}
}

func (h *ProtectedHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.accept(w, "login forwarded")
}

func (h *ProtectedHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	h.accept(w, "otp request forwarded")
}

func (h *ProtectedHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.accept(w, "registration forwarded")
}

func (h *ProtectedHandler) Search(w http.ResponseWriter, r *http.Request) {
	h.accept(w, "search forwarded")
}

func (h *ProtectedHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	h.accept(w, "email forwarded")
}

func (h *ProtectedHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	h.accept(w, "invitation forwarded")
}

func (h *ProtectedHandler) accept(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(successResponse(nil, message)); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

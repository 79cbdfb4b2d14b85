package handlers

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/fleetrent/internal/auth"
	"github.com/wisbric/fleetrent/internal/httpserver"
)

// BootstrapHandler mints the first admin API key against a bcrypt-checked
// bootstrap password, since the fleet starts with zero API keys and
// therefore no way to authenticate an initial admin request. It refuses to
// mint a second key once any admin key exists. Attempts are rate limited per
// remote IP so the bootstrap password cannot be brute-forced.
type BootstrapHandler struct {
	apikeyAuth   *auth.APIKeyAuthenticator
	limiter      *auth.RateLimiter
	passwordHash []byte
	logger       *slog.Logger
}

// NewBootstrapHandler creates a BootstrapHandler. An empty rawPassword
// disables the endpoint entirely (no bootstrap password configured).
func NewBootstrapHandler(apikeyAuth *auth.APIKeyAuthenticator, limiter *auth.RateLimiter, rawPassword string, logger *slog.Logger) (*BootstrapHandler, error) {
	if rawPassword == "" {
		return &BootstrapHandler{apikeyAuth: apikeyAuth, limiter: limiter, logger: logger}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &BootstrapHandler{apikeyAuth: apikeyAuth, limiter: limiter, passwordHash: hash, logger: logger}, nil
}

// Mount registers the bootstrap route on r.
func (h *BootstrapHandler) Mount(r chi.Router) {
	r.Post("/admin/bootstrap", h.handleBootstrap)
}

type bootstrapRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *BootstrapHandler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if h.passwordHash == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "bootstrap is not configured")
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if h.limiter != nil {
		result, err := h.limiter.Check(r.Context(), ip)
		if err != nil {
			h.logger.Error("checking bootstrap rate limit", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal", "rate limit check failed")
			return
		}
		if !result.Allowed {
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many bootstrap attempts, try again later")
			return
		}
	}

	var req bootstrapRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		if h.limiter != nil {
			if rerr := h.limiter.Record(r.Context(), ip); rerr != nil {
				h.logger.Error("recording bootstrap rate limit attempt", "error", rerr)
			}
		}
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "incorrect bootstrap password")
		return
	}
	if h.limiter != nil {
		if rerr := h.limiter.Reset(r.Context(), ip); rerr != nil {
			h.logger.Error("resetting bootstrap rate limit", "error", rerr)
		}
	}

	exists, err := h.apikeyAuth.AdminKeyExists(r.Context())
	if err != nil {
		h.logger.Error("checking for existing admin key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "bootstrap check failed")
		return
	}
	if exists {
		httpserver.RespondError(w, http.StatusConflict, "conflict", "an admin API key already exists")
		return
	}

	rawKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("generating admin API key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to generate API key")
		return
	}

	if _, err := h.apikeyAuth.Create(r.Context(), nil, rawKey, auth.RoleAdmin); err != nil {
		h.logger.Error("storing admin API key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to store API key")
		return
	}

	h.logger.Info("minted initial admin API key via bootstrap")
	httpserver.Respond(w, http.StatusCreated, map[string]string{"api_key": rawKey})
}

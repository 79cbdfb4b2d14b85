package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/fleetrent/internal/auth"
	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/httpserver"
)

// AdminHandler exposes fleet-administration endpoints: registering nodes
// and tenants, and minting API keys. Every route is mounted behind
// auth.RequireRole(auth.RoleAdmin).
type AdminHandler struct {
	store      *catalog.Store
	apikeyAuth *auth.APIKeyAuthenticator
	logger     *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(store *catalog.Store, apikeyAuth *auth.APIKeyAuthenticator, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: store, apikeyAuth: apikeyAuth, logger: logger}
}

// Mount registers admin routes on r.
func (h *AdminHandler) Mount(r chi.Router) {
	r.Post("/admin/nodes", h.handleRegisterNode)
	r.Get("/admin/nodes/{id}/health", h.handleNodeHealth)
	r.Post("/admin/tenants", h.handleRegisterTenant)
}

type nodeHealthResponse struct {
	NodeID      int64      `json:"node_id"`
	Status      string     `json:"status"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
}

// handleNodeHealth reports a node's last recorded probe result, for
// operators debugging a specific worker outside the regular Health loop
// cadence.
func (h *AdminHandler) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid node id")
		return
	}

	node, err := h.store.GetNode(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "node not found")
			return
		}
		h.logger.Error("fetching node health", "node_id", nodeID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to fetch node health")
		return
	}

	httpserver.Respond(w, http.StatusOK, nodeHealthResponse{
		NodeID:      node.ID,
		Status:      node.Status,
		LastChecked: node.LastChecked,
	})
}

type registerNodeRequest struct {
	Hostname string `json:"hostname" validate:"required"`
	SSHPort  int    `json:"ssh_port" validate:"required,gt=0,lte=65535"`
}

func (h *AdminHandler) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	node, err := h.store.RegisterNode(r.Context(), req.Hostname, req.SSHPort)
	if err != nil {
		if errors.Is(err, catalog.ErrConflict) {
			httpserver.RespondError(w, http.StatusConflict, "conflict", "a node with this hostname and port is already registered")
			return
		}
		h.logger.Error("registering node", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to register node")
		return
	}

	httpserver.Respond(w, http.StatusCreated, node)
}

type registerTenantRequest struct {
	Handle string `json:"handle" validate:"required,alphanum,min=2,max=32"`
}

type registerTenantResponse struct {
	TenantID int64  `json:"tenant_id"`
	Handle   string `json:"handle"`
	APIKey   string `json:"api_key"`
}

func (h *AdminHandler) handleRegisterTenant(w http.ResponseWriter, r *http.Request) {
	var req registerTenantRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	tenant, err := h.store.RegisterTenant(r.Context(), req.Handle)
	if err != nil {
		h.logger.Error("registering tenant", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to register tenant")
		return
	}

	rawKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("generating tenant API key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to provision API key")
		return
	}

	tenantID := tenant.ID
	if _, err := h.apikeyAuth.Create(r.Context(), &tenantID, rawKey, auth.RoleTenant); err != nil {
		h.logger.Error("storing tenant API key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to provision API key")
		return
	}

	httpserver.Respond(w, http.StatusCreated, registerTenantResponse{
		TenantID: tenant.ID,
		Handle:   tenant.Handle,
		APIKey:   rawKey,
	})
}

// Package handlers wires the Allocator and Catalog onto the tenant-facing
// HTTP surface described in the specification: rent/release/extend/secret
// on leases, and a role-filtered node listing.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/fleetrent/internal/allocator"
	"github.com/wisbric/fleetrent/internal/auth"
	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/httpserver"
)

// LeaseHandler exposes rent/release/extend/secret over HTTP.
type LeaseHandler struct {
	allocator *allocator.Allocator
	store     *catalog.Store
	logger    *slog.Logger
}

// NewLeaseHandler creates a LeaseHandler.
func NewLeaseHandler(a *allocator.Allocator, store *catalog.Store, logger *slog.Logger) *LeaseHandler {
	return &LeaseHandler{allocator: a, store: store, logger: logger}
}

// Mount registers lease and node routes on r.
func (h *LeaseHandler) Mount(r chi.Router) {
	r.Post("/leases", h.handleRent)
	r.Post("/leases/{id}/release", h.handleRelease)
	r.Post("/leases/{id}/extend", h.handleExtend)
	r.Get("/leases/{id}/secret", h.handleGetSecret)
	r.Get("/nodes", h.handleListNodes)
}

type rentRequest struct {
	DurationSeconds int    `json:"duration_seconds" validate:"required,gt=0"`
	Count           int    `json:"count" validate:"required,gte=1"`
	Secret          string `json:"secret,omitempty" validate:"omitempty,alphanum,min=8,max=64"`
}

type allocationResponse struct {
	LeaseID      int64     `json:"lease_id"`
	NodeEndpoint string    `json:"node_endpoint"`
	User         string    `json:"user"`
	Secret       string    `json:"secret"`
	LeasedUntil  time.Time `json:"leased_until"`
}

func (h *LeaseHandler) handleRent(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req rentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	allocations, err := h.allocator.Rent(r.Context(), *principal, req.Count, time.Duration(req.DurationSeconds)*time.Second, req.Secret)
	if err != nil {
		h.respondAllocatorError(w, err)
		return
	}

	out := make([]allocationResponse, 0, len(allocations))
	for _, a := range allocations {
		out = append(out, allocationResponse{
			LeaseID:      a.LeaseID,
			NodeEndpoint: a.NodeEndpoint,
			User:         a.User,
			Secret:       a.Secret,
			LeasedUntil:  a.LeasedUntil,
		})
	}

	httpserver.Respond(w, http.StatusCreated, out)
}

func (h *LeaseHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	leaseID, err := parseLeaseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.allocator.Release(r.Context(), *principal, leaseID); err != nil {
		h.respondAllocatorError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "released"})
}

type extendRequest struct {
	AdditionalSeconds int `json:"additional_seconds" validate:"required,gt=0"`
}

func (h *LeaseHandler) handleExtend(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	leaseID, err := parseLeaseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var req extendRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	newUntil, err := h.allocator.Extend(r.Context(), *principal, leaseID, time.Duration(req.AdditionalSeconds)*time.Second)
	if err != nil {
		h.respondAllocatorError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"leased_until": newUntil})
}

func (h *LeaseHandler) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	leaseID, err := parseLeaseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	secret, err := h.allocator.GetLeaseSecret(r.Context(), *principal, leaseID)
	if err != nil {
		h.respondAllocatorError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *LeaseHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	if principal.IsAdmin() {
		nodes, err := h.store.ListNodes(r.Context())
		if err != nil {
			h.logger.Error("listing nodes", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to list nodes")
			return
		}
		httpserver.Respond(w, http.StatusOK, nodes)
		return
	}

	leases, err := h.store.ListActiveLeasesForTenant(r.Context(), principal.ID)
	if err != nil {
		h.logger.Error("listing tenant leases", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to list leases")
		return
	}
	httpserver.Respond(w, http.StatusOK, leases)
}

func parseLeaseID(r *http.Request) (int64, error) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, errors.New("invalid lease id")
	}
	return id, nil
}

func (h *LeaseHandler) respondAllocatorError(w http.ResponseWriter, err error) {
	var icErr *allocator.InsufficientCapacityError
	switch {
	case errors.As(err, &icErr):
		httpserver.Respond(w, http.StatusConflict, map[string]any{
			"error": "insufficient_capacity",
			"found": icErr.Found,
		})
	case errors.Is(err, allocator.ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "lease or node not found")
	case errors.Is(err, allocator.ErrPermissionDenied):
		httpserver.RespondError(w, http.StatusForbidden, "permission_denied", "not permitted to act on this lease")
	case errors.Is(err, allocator.ErrNotActive):
		httpserver.RespondError(w, http.StatusConflict, "not_active", "lease is not active")
	case errors.Is(err, allocator.ErrProvisioningFailed):
		httpserver.RespondError(w, http.StatusBadGateway, "provisioning_failed", "provisioning the node failed")
	case errors.Is(err, allocator.ErrConflict):
		httpserver.RespondError(w, http.StatusConflict, "conflict", "conflicting state")
	default:
		h.logger.Error("allocator error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

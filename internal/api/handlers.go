package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/outpost/internal/auth"
	"github.com/mattjoyce/outpost/internal/dispatch"
	"github.com/mattjoyce/outpost/internal/workspace"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		ConfigFingerprint: s.fingerprint,
		Pools:             s.pool.Snapshot(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmitDispatch handles POST /dispatches.
func (s *Server) handleSubmitDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	if !principal.Admin() {
		// Tenant tokens always act for their own tenant.
		req.TenantID = principal.TenantID
	}
	if req.TenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	rec, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.logger.Info("dispatch accepted via API", "dispatch_id", rec.ID, "tenant_id", rec.TenantID, "agent_type", rec.AgentType)
	respondJSON(w, http.StatusAccepted, rec)
}

// handleGetDispatch handles GET /dispatches/{dispatchID}?offset=N.
func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	dispatchID := chi.URLParam(r, "dispatchID")

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	view, err := s.tracker.GetStatus(r.Context(), s.tenantFor(r), dispatchID, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleListDispatches handles GET /dispatches.
func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantFor(r)
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.dispatcher.List(r.Context(), tenantID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []dispatch.Dispatch{}
	}
	respondJSON(w, http.StatusOK, records)
}

// handleCancelDispatch handles POST /dispatches/{dispatchID}/cancel.
func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	dispatchID := chi.URLParam(r, "dispatchID")

	rec, err := s.dispatcher.Cancel(r.Context(), s.tenantFor(r), dispatchID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.logger.Info("dispatch cancelled via API", "dispatch_id", rec.ID, "tenant_id", rec.TenantID)
	respondJSON(w, http.StatusOK, rec)
}

// handleListWorkspaces handles GET /workspaces.
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantFor(r)
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	workspaces, err := s.workspaces.List(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if workspaces == nil {
		workspaces = []workspace.Workspace{}
	}
	respondJSON(w, http.StatusOK, workspaces)
}

// handleDeleteWorkspace handles DELETE /workspaces/{workspaceID}.
func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	tenantID := s.tenantFor(r)
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	if err := s.workspaces.Delete(r.Context(), tenantID, workspaceID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAudit handles GET /audit.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantFor(r)
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.audit.ListAudit(r.Context(), tenantID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// tenantFor resolves the tenant a request acts for. Tenant tokens are bound
// to their tenant; the admin key selects one with ?tenant= or reads across
// tenants when it is absent.
func (s *Server) tenantFor(r *http.Request) string {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.Admin() {
		return r.URL.Query().Get("tenant")
	}
	return principal.TenantID
}

// writeDomainError maps domain errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrValidation),
		errors.Is(err, dispatch.ErrSecretMissing):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrTenantSuspended):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, dispatch.ErrTenantNotFound),
		errors.Is(err, workspace.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrCapacityExhausted),
		errors.Is(err, dispatch.ErrAlreadyTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

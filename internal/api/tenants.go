package api

import (
	"database/sql"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

func (d *Dependencies) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" || len(req.Name) > 255 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must be 1-255 characters"})
		return
	}
	if req.MonthlyLimit != nil && *req.MonthlyLimit < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "monthly_limit must be >= 0"})
		return
	}

	tenant, plainKey, err := d.Store.CreateTenant(r.Context(), req.Name, req.MonthlyLimit)
	if err != nil {
		d.Logger.Error("failed to create tenant", zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create tenant"})
		return
	}

	writeJSON(w, http.StatusCreated, CreateTenantResp{
		ID:           tenant.ID,
		Name:         tenant.Name,
		APIKey:       plainKey,
		APIKeyPrefix: tenant.APIKeyPrefix,
		MonthlyLimit: tenant.MonthlyLimit,
		CreatedAt:    tenant.CreatedAt,
	})
}

func (d *Dependencies) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tenant_id")

	var req UpdateTenantReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Blocked == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "blocked is required"})
		return
	}

	err := d.Store.SetTenantBlocked(r.Context(), id, *req.Blocked)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tenant not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to update tenant", zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update tenant"})
		return
	}

	// The proxy keeps serving cached auth results until the TTL lapses,
	// so the switch takes effect within one cache window.
	tenant, err := d.Store.GetTenant(r.Context(), id)
	if err != nil || tenant == nil {
		d.Logger.Error("failed to reload tenant after update", zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update tenant"})
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (d *Dependencies) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tenant_id")

	tenant, plainKey, err := d.Store.RotateTenantKey(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to rotate key", zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to rotate API key"})
		return
	}
	if tenant == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tenant not found."})
		return
	}

	writeJSON(w, http.StatusOK, RotateKeyResp{
		APIKey:       plainKey,
		APIKeyPrefix: tenant.APIKeyPrefix,
	})
}

// zapError is a helper to create a zap field from an error.
func zapError(err error) zap.Field {
	return zap.Error(err)
}

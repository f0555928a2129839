package api

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (d *Dependencies) handleListBlockedAgents(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())

	agents, err := d.Store.ListBlockedAgents(r.Context(), tenant.ID)
	if err != nil {
		d.Logger.Error("failed to list blocked agents", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list blocked agents"})
		return
	}

	resp := make([]BlockedAgentResp, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, BlockedAgentResp{
			AgentID:   a.AgentID,
			Reason:    a.Reason,
			CreatedAt: a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleBlockAgent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())

	var req BlockAgentReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.AgentID == "" || len(req.AgentID) > 255 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "agent_id must be 1-255 characters"})
		return
	}
	if req.Reason == "" {
		req.Reason = "blocked via API"
	}

	if err := d.Store.BlockAgent(r.Context(), tenant.ID, req.AgentID, req.Reason); err != nil {
		d.Logger.Error("failed to block agent", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to block agent"})
		return
	}

	writeJSON(w, http.StatusCreated, BlockedAgentResp{
		AgentID:   req.AgentID,
		Reason:    req.Reason,
		CreatedAt: time.Now().UTC(),
	})
}

func (d *Dependencies) handleUnblockAgent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	agentID := r.PathValue("agent_id")

	err := d.Store.UnblockAgent(r.Context(), tenant.ID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Agent not blocked."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to unblock agent", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to unblock agent"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

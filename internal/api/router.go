package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/auth"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine/policy"
	"github.com/Kanishka8375/RedTeamingAI/internal/store"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Store      *store.Store
	Auth       auth.Authenticator
	Rules      *policy.Engine // invalidated after rule writes
	Logger     *zap.Logger
	AdminToken string
	StartTime  time.Time
}

// NewRouter builds the read-side HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", deps.handleHealth)

	// Events & analytics (tenant key)
	mux.HandleFunc("GET /v1/events", deps.tenantAuth(deps.handleListEvents))
	mux.HandleFunc("GET /v1/events/{id}", deps.tenantAuth(deps.handleGetEvent))
	mux.HandleFunc("GET /v1/stats", deps.tenantAuth(deps.handleGetStats))

	// Policy rule CRUD (tenant key)
	mux.HandleFunc("GET /v1/policies", deps.tenantAuth(deps.handleListRules))
	mux.HandleFunc("POST /v1/policies", deps.tenantAuth(deps.handleCreateRule))
	mux.HandleFunc("PATCH /v1/policies/{rule_id}", deps.tenantAuth(deps.handleUpdateRule))
	mux.HandleFunc("DELETE /v1/policies/{rule_id}", deps.tenantAuth(deps.handleDeleteRule))

	// Agent block list (tenant key)
	mux.HandleFunc("GET /v1/agents/blocked", deps.tenantAuth(deps.handleListBlockedAgents))
	mux.HandleFunc("POST /v1/agents/blocked", deps.tenantAuth(deps.handleBlockAgent))
	mux.HandleFunc("DELETE /v1/agents/blocked/{agent_id}", deps.tenantAuth(deps.handleUnblockAgent))

	// Tenant provisioning, mounted only when an admin token is set.
	if deps.AdminToken != "" {
		mux.HandleFunc("POST /v1/tenants", deps.adminOnly(deps.handleCreateTenant))
		mux.HandleFunc("PATCH /v1/tenants/{tenant_id}", deps.adminOnly(deps.handleUpdateTenant))
		mux.HandleFunc("POST /v1/tenants/{tenant_id}/rotate-key", deps.adminOnly(deps.handleRotateKey))
	}

	return corsMiddleware(requestLogging(mux, deps.Logger))
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResp{
		Status: "ok",
		Uptime: int64(time.Since(d.StartTime).Seconds()),
	})
}

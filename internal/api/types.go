package api

import "time"

// --- Events ---

// EventResp is one intercepted call as returned by the read API. Raw
// bodies are only populated on the detail endpoint.
type EventResp struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	AgentID          *string   `json:"agent_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Tools            []string  `json:"tools"`
	RequestHash      string    `json:"request_hash"`
	ResponsePreview  string    `json:"response_preview"`
	RiskScore        int       `json:"risk_score"`
	Blocked          bool      `json:"blocked"`
	Flags            []string  `json:"flags"`
	RawRequest       string    `json:"raw_request,omitempty"`
	RawResponse      string    `json:"raw_response,omitempty"`
}

// EventListResp is a page of events, newest first.
type EventListResp struct {
	Events []EventResp `json:"events"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// --- Policy rules ---

// RuleResp mirrors one policy rule row.
type RuleResp struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Condition   string    `json:"condition"`
	Action      string    `json:"action"`
	Severity    string    `json:"severity"`
	Enabled     bool      `json:"enabled"`
	Hits        int64     `json:"hits"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateRuleReq is the JSON body for POST /v1/policies.
type CreateRuleReq struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Condition   string `json:"condition"`
	Action      string `json:"action,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// UpdateRuleReq is the JSON body for PATCH /v1/policies/{rule_id}.
type UpdateRuleReq struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Condition   *string `json:"condition,omitempty"`
	Action      *string `json:"action,omitempty"`
	Severity    *string `json:"severity,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// --- Blocked agents ---

// BlockAgentReq is the JSON body for POST /v1/agents/blocked.
type BlockAgentReq struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// BlockedAgentResp is one block-list entry.
type BlockedAgentResp struct {
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Tenants (admin) ---

// CreateTenantReq is the JSON body for POST /v1/tenants.
type CreateTenantReq struct {
	Name         string `json:"name"`
	MonthlyLimit *int   `json:"monthly_limit,omitempty"`
}

// CreateTenantResp includes the plaintext API key (shown once).
type CreateTenantResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	MonthlyLimit *int      `json:"monthly_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// UpdateTenantReq is the JSON body for PATCH /v1/tenants/{tenant_id}.
// Only the kill switch is mutable after creation.
type UpdateTenantReq struct {
	Blocked *bool `json:"blocked"`
}

// RotateKeyResp includes the new plaintext API key (shown once).
type RotateKeyResp struct {
	APIKey       string `json:"api_key"`
	APIKeyPrefix string `json:"api_key_prefix"`
}

// --- Health ---

// HealthResp is the GET /health body.
type HealthResp struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

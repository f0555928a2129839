package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine/policy"
	"github.com/Kanishka8375/RedTeamingAI/internal/store"
)

const createRuleSchemaJSON = `{
	"type": "object",
	"required": ["name", "condition"],
	"additionalProperties": false,
	"properties": {
		"name":        {"type": "string", "minLength": 1, "maxLength": 255},
		"description": {"type": "string", "maxLength": 1024},
		"condition":   {"type": "string", "minLength": 1, "maxLength": 2048},
		"action":      {"enum": ["ALERT", "BLOCK"]},
		"severity":    {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
		"enabled":     {"type": "boolean"}
	}
}`

const updateRuleSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"name":        {"type": "string", "minLength": 1, "maxLength": 255},
		"description": {"type": "string", "maxLength": 1024},
		"condition":   {"type": "string", "minLength": 1, "maxLength": 2048},
		"action":      {"enum": ["ALERT", "BLOCK"]},
		"severity":    {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
		"enabled":     {"type": "boolean"}
	}
}`

var (
	createRuleSchema = mustCompileSchema("create_rule.json", createRuleSchemaJSON)
	updateRuleSchema = mustCompileSchema("update_rule.json", updateRuleSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return sch
}

// validateRuleBody checks the raw body against the schema and reports
// the first problem as a client-facing detail string.
func validateRuleBody(body []byte, sch *jsonschema.Schema) (string, bool) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "Invalid JSON body", false
	}
	if err := sch.Validate(doc); err != nil {
		return err.Error(), false
	}
	return "", true
}

func (d *Dependencies) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())

	rules, err := d.Store.ListRules(r.Context(), tenant.ID)
	if err != nil {
		d.Logger.Error("failed to list rules", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list policies"})
		return
	}

	resp := make([]RuleResp, 0, len(rules))
	for i := range rules {
		resp = append(resp, ruleToResp(&rules[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if detail, ok := validateRuleBody(body, createRuleSchema); !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}

	var req CreateRuleReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if _, err := policy.Parse(req.Condition); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("condition: %v", err)})
		return
	}

	rule := policy.Rule{
		TenantID:    tenant.ID,
		Name:        req.Name,
		Description: req.Description,
		Condition:   req.Condition,
		Action:      engine.ActionAlert,
		Severity:    engine.SeverityMedium,
		Enabled:     true,
	}
	if req.Action != "" {
		rule.Action = engine.Action(req.Action)
	}
	if req.Severity != "" {
		rule.Severity = engine.Severity(req.Severity)
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	created, err := d.Store.CreateRule(r.Context(), rule)
	if err != nil {
		d.Logger.Error("failed to create rule", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create policy"})
		return
	}
	d.Rules.Invalidate(tenant.ID)

	writeJSON(w, http.StatusCreated, ruleToResp(created))
}

func (d *Dependencies) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	id := r.PathValue("rule_id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if detail, ok := validateRuleBody(body, updateRuleSchema); !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}

	var req UpdateRuleReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Condition != nil {
		if _, err := policy.Parse(*req.Condition); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: fmt.Sprintf("condition: %v", err)})
			return
		}
	}

	rule, err := d.Store.UpdateRule(r.Context(), tenant.ID, id, store.UpdateRuleParams{
		Name:        req.Name,
		Description: req.Description,
		Condition:   req.Condition,
		Action:      req.Action,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
	})
	if err != nil {
		d.Logger.Error("failed to update rule", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update policy"})
		return
	}
	if rule == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Policy not found."})
		return
	}
	d.Rules.Invalidate(tenant.ID)

	writeJSON(w, http.StatusOK, ruleToResp(rule))
}

func (d *Dependencies) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	id := r.PathValue("rule_id")

	err := d.Store.DeleteRule(r.Context(), tenant.ID, id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Policy not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete rule", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete policy"})
		return
	}
	d.Rules.Invalidate(tenant.ID)

	w.WriteHeader(http.StatusNoContent)
}

func ruleToResp(r *policy.Rule) RuleResp {
	return RuleResp{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Name:        r.Name,
		Description: r.Description,
		Condition:   r.Condition,
		Action:      string(r.Action),
		Severity:    string(r.Severity),
		Enabled:     r.Enabled,
		Hits:        r.Hits,
		CreatedAt:   r.CreatedAt,
	}
}

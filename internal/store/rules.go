package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine/policy"
)

const ruleColumns = `id, tenant_id, name, description, condition, action, severity, enabled, hits, created_at`

func scanRule(row interface{ Scan(...any) error }) (*policy.Rule, error) {
	var r policy.Rule
	var action, severity string
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.Description, &r.Condition,
		&action, &severity, &r.Enabled, &r.Hits, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Action = engine.Action(action)
	r.Severity = engine.Severity(severity)
	return &r, nil
}

// ListRules returns all of a tenant's rules, newest first.
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM policy_rules
		WHERE tenant_id = $1
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	defer rows.Close()

	var rules []policy.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRules: %w", err)
		}
		rules = append(rules, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	return rules, nil
}

// ListEnabledRules returns the tenant's enabled rules for evaluation.
func (s *Store) ListEnabledRules(ctx context.Context, tenantID string) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM policy_rules
		WHERE tenant_id = $1 AND enabled
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListEnabledRules: %w", err)
	}
	defer rows.Close()

	var rules []policy.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEnabledRules: %w", err)
		}
		rules = append(rules, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListEnabledRules: %w", err)
	}
	return rules, nil
}

// GetRule fetches one rule. Returns (nil, nil) when absent.
func (s *Store) GetRule(ctx context.Context, tenantID, id string) (*policy.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM policy_rules
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRule: %w", err)
	}
	return r, nil
}

// CreateRule inserts a rule and returns it with id and created_at set.
func (s *Store) CreateRule(ctx context.Context, r policy.Rule) (*policy.Rule, error) {
	r.ID = uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO policy_rules (id, tenant_id, name, description, condition, action, severity, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		r.ID, r.TenantID, r.Name, r.Description, r.Condition,
		string(r.Action), string(r.Severity), r.Enabled,
	).Scan(&r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("CreateRule: %w", err)
	}
	return &r, nil
}

// UpdateRuleParams holds optional fields for a partial rule update. Nil
// means leave unchanged.
type UpdateRuleParams struct {
	Name        *string
	Description *string
	Condition   *string
	Action      *string
	Severity    *string
	Enabled     *bool
}

// UpdateRule applies a partial update and returns the updated rule.
// Returns (nil, nil) when the rule does not exist for this tenant.
func (s *Store) UpdateRule(ctx context.Context, tenantID, id string, p UpdateRuleParams) (*policy.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `
		UPDATE policy_rules SET
			name        = COALESCE($3, name),
			description = COALESCE($4, description),
			condition   = COALESCE($5, condition),
			action      = COALESCE($6, action),
			severity    = COALESCE($7, severity),
			enabled     = COALESCE($8, enabled)
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+ruleColumns,
		tenantID, id, p.Name, p.Description, p.Condition, p.Action, p.Severity, p.Enabled))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateRule: %w", err)
	}
	return r, nil
}

// DeleteRule removes a rule. Returns sql.ErrNoRows when absent.
func (s *Store) DeleteRule(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policy_rules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("DeleteRule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteRule: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IncrementRuleHits bumps hit counters for matched rules. Called off the
// hot path, so a single statement is enough.
func (s *Store) IncrementRuleHits(ctx context.Context, ruleIDs []string) error {
	if len(ruleIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE policy_rules SET hits = hits + 1 WHERE id = ANY($1)`, ruleIDs)
	if err != nil {
		return fmt.Errorf("IncrementRuleHits: %w", err)
	}
	return nil
}

var _ policy.RuleSource = (*Store)(nil)

package policy

import (
	"context"
	"time"

	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
)

// Rule is one tenant-owned policy rule. Condition holds source text for
// the restricted evaluator.
type Rule struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Condition   string
	Action      engine.Action
	Severity    engine.Severity
	Enabled     bool
	Hits        int64
	CreatedAt   time.Time
}

// RuleSource loads rules and records their hits. *store.Store implements
// this against Postgres.
type RuleSource interface {
	// ListEnabledRules returns the tenant's enabled rules only; disabled
	// rules are never evaluated.
	ListEnabledRules(ctx context.Context, tenantID string) ([]Rule, error)

	// IncrementRuleHits bumps hit counters for the given rule ids.
	IncrementRuleHits(ctx context.Context, ruleIDs []string) error
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BlockedAgent is an entry on a tenant's agent block list.
type BlockedAgent struct {
	TenantID  string    `json:"tenant_id"`
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAgentBlocked reports whether the agent is on the tenant's block list.
func (s *Store) IsAgentBlocked(ctx context.Context, tenantID, agentID string) (bool, error) {
	var blocked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocked_agents WHERE tenant_id = $1 AND agent_id = $2
		)`, tenantID, agentID,
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("IsAgentBlocked: %w", err)
	}
	return blocked, nil
}

// BlockAgent adds an agent to the block list. Blocking an already
// blocked agent is a no-op.
func (s *Store) BlockAgent(ctx context.Context, tenantID, agentID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_agents (tenant_id, agent_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, agent_id) DO NOTHING`,
		tenantID, agentID, reason)
	if err != nil {
		return fmt.Errorf("BlockAgent: %w", err)
	}
	return nil
}

// UnblockAgent removes an agent from the block list. Returns
// sql.ErrNoRows when the agent was not blocked.
func (s *Store) UnblockAgent(ctx context.Context, tenantID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blocked_agents WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID)
	if err != nil {
		return fmt.Errorf("UnblockAgent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UnblockAgent: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListBlockedAgents returns the tenant's block list, newest first.
func (s *Store) ListBlockedAgents(ctx context.Context, tenantID string) ([]BlockedAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, agent_id, reason, created_at
		FROM blocked_agents WHERE tenant_id = $1
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListBlockedAgents: %w", err)
	}
	defer rows.Close()

	agents := make([]BlockedAgent, 0)
	for rows.Next() {
		var a BlockedAgent
		if err := rows.Scan(&a.TenantID, &a.AgentID, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListBlockedAgents: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListBlockedAgents: %w", err)
	}
	return agents, nil
}

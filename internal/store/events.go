package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Kanishka8375/RedTeamingAI/internal/event"
)

// InsertEvent writes the initial event row (risk zero, not blocked) and
// returns the database-assigned id.
func (s *Store) InsertEvent(ctx context.Context, ev *event.LoggedEvent) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events (
			timestamp, tenant_id, agent_id, model,
			prompt_tokens, completion_tokens, cost_usd, latency_ms,
			tools, request_hash, response_preview,
			risk_score, blocked, flags, raw_request, raw_response
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		ev.Timestamp, ev.TenantID, ev.AgentID, ev.Model,
		ev.PromptTokens, ev.CompletionTokens, ev.CostUSD, ev.LatencyMs,
		marshalStrings(ev.Tools), ev.RequestHash, ev.ResponsePreview,
		ev.RiskScore, ev.Blocked, marshalStrings(ev.Flags),
		ev.RawRequest, ev.RawResponse,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("InsertEvent: %w", err)
	}
	return id, nil
}

// UpdateSecurityResult applies the analysis outcome to an event in a
// single atomic update. Readers see either the initial row or the fully
// analyzed one, never a partial mix.
func (s *Store) UpdateSecurityResult(ctx context.Context, id string, riskScore int, blocked bool, flags []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET risk_score = $2, blocked = $3, flags = $4
		WHERE id = $1`,
		id, riskScore, blocked, marshalStrings(flags))
	if err != nil {
		return fmt.Errorf("UpdateSecurityResult: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateSecurityResult: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListEventsParams filters the event list. Nil pointer fields are
// ignored; Limit and Offset are assumed pre-clamped by the caller.
type ListEventsParams struct {
	Limit   int
	Offset  int
	Blocked *bool
	MinRisk *int
	AgentID *string
}

// ListEvents returns a tenant's events newest-first plus the total count
// for the same filters. Raw request/response bodies are not loaded here;
// use GetEvent for the full record.
func (s *Store) ListEvents(ctx context.Context, tenantID string, p ListEventsParams) ([]*event.LoggedEvent, int, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if p.Blocked != nil {
		args = append(args, *p.Blocked)
		conds = append(conds, fmt.Sprintf("blocked = $%d", len(args)))
	}
	if p.MinRisk != nil {
		args = append(args, *p.MinRisk)
		conds = append(conds, fmt.Sprintf("risk_score >= $%d", len(args)))
	}
	if p.AgentID != nil {
		args = append(args, *p.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM events WHERE "+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents: %w", err)
	}

	args = append(args, p.Limit, p.Offset)
	query := fmt.Sprintf(`
		SELECT id, timestamp, tenant_id, agent_id, model,
			prompt_tokens, completion_tokens, cost_usd, latency_ms,
			tools, request_hash, response_preview, risk_score, blocked, flags
		FROM events WHERE %s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents: %w", err)
	}
	defer rows.Close()

	events := make([]*event.LoggedEvent, 0, p.Limit)
	for rows.Next() {
		var ev event.LoggedEvent
		var tools, flags []byte
		err := rows.Scan(
			&ev.ID, &ev.Timestamp, &ev.TenantID, &ev.AgentID, &ev.Model,
			&ev.PromptTokens, &ev.CompletionTokens, &ev.CostUSD, &ev.LatencyMs,
			&tools, &ev.RequestHash, &ev.ResponsePreview,
			&ev.RiskScore, &ev.Blocked, &flags,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("ListEvents: %w", err)
		}
		ev.Tools = unmarshalStrings(tools)
		ev.Flags = unmarshalStrings(flags)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ListEvents: %w", err)
	}
	return events, total, nil
}

// GetEvent fetches one event with raw bodies included. Returns
// (nil, nil) when the id does not exist for this tenant.
func (s *Store) GetEvent(ctx context.Context, tenantID, id string) (*event.LoggedEvent, error) {
	var ev event.LoggedEvent
	var tools, flags []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, tenant_id, agent_id, model,
			prompt_tokens, completion_tokens, cost_usd, latency_ms,
			tools, request_hash, response_preview, risk_score, blocked, flags,
			raw_request, raw_response
		FROM events WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(
		&ev.ID, &ev.Timestamp, &ev.TenantID, &ev.AgentID, &ev.Model,
		&ev.PromptTokens, &ev.CompletionTokens, &ev.CostUSD, &ev.LatencyMs,
		&tools, &ev.RequestHash, &ev.ResponsePreview,
		&ev.RiskScore, &ev.Blocked, &flags,
		&ev.RawRequest, &ev.RawResponse,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	ev.Tools = unmarshalStrings(tools)
	ev.Flags = unmarshalStrings(flags)
	return &ev, nil
}

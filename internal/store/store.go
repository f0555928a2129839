package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store provides access to the PostgreSQL database: tenants, events,
// policy rules, and the agent block list. It is the only component that
// writes rows; callers treat insert/update as atomic operations.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// marshalStrings encodes a string slice as JSONB bytes. nil and empty
// both encode as [] so array queries never see SQL NULL.
func marshalStrings(ss []string) []byte {
	if len(ss) == 0 {
		return []byte("[]")
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return []byte("[]")
	}
	return data
}

// unmarshalStrings decodes JSONB bytes into a string slice; malformed
// data comes back empty rather than failing a whole row scan.
func unmarshalStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil
	}
	return ss
}

// Bootstrap creates the schema so a fresh database serves immediately.
// Real migrations stay external; everything here is IF NOT EXISTS.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id             UUID PRIMARY KEY,
			name           TEXT NOT NULL,
			api_key_hash   TEXT NOT NULL,
			api_key_prefix TEXT NOT NULL UNIQUE,
			monthly_limit  INTEGER,
			blocked        BOOLEAN NOT NULL DEFAULT false,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			timestamp        TIMESTAMPTZ NOT NULL DEFAULT now(),
			tenant_id        UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			agent_id         TEXT NOT NULL DEFAULT '',
			model            TEXT NOT NULL DEFAULT '',
			prompt_tokens    INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms       BIGINT NOT NULL DEFAULT 0,
			tools            JSONB NOT NULL DEFAULT '[]',
			request_hash     TEXT NOT NULL DEFAULT '',
			response_preview TEXT NOT NULL DEFAULT '',
			risk_score       INTEGER NOT NULL DEFAULT 0,
			blocked          BOOLEAN NOT NULL DEFAULT false,
			flags            JSONB NOT NULL DEFAULT '[]',
			raw_request      TEXT NOT NULL DEFAULT '',
			raw_response     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_time
			ON events (tenant_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS policy_rules (
			id          UUID PRIMARY KEY,
			tenant_id   UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			condition   TEXT NOT NULL,
			action      TEXT NOT NULL DEFAULT 'ALERT',
			severity    TEXT NOT NULL DEFAULT 'MEDIUM',
			enabled     BOOLEAN NOT NULL DEFAULT true,
			hits        BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_policy_rules_tenant
			ON policy_rules (tenant_id) WHERE enabled`,
		`CREATE TABLE IF NOT EXISTS blocked_agents (
			tenant_id  UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			agent_id   TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, agent_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Bootstrap: %w", err)
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SummaryStats holds aggregate counts for a tenant.
type SummaryStats struct {
	TotalEvents   int     `json:"total_events"`
	BlockedEvents int     `json:"blocked_events"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AverageRisk   float64 `json:"average_risk"`
}

// DayBucket holds one day of traffic.
type DayBucket struct {
	Day     string  `json:"day"`
	Events  int     `json:"events"`
	Blocked int     `json:"blocked"`
	CostUSD float64 `json:"cost_usd"`
}

// FlagCount holds a security flag and its occurrence count.
type FlagCount struct {
	Flag  string `json:"flag"`
	Count int    `json:"count"`
}

// AgentCount holds per-agent traffic counts.
type AgentCount struct {
	AgentID string `json:"agent_id"`
	Events  int    `json:"events"`
	Blocked int    `json:"blocked"`
}

// LatencyStats holds upstream latency percentiles over the last 24h.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// StatsResult holds all dashboard aggregations.
type StatsResult struct {
	Summary            SummaryStats `json:"summary"`
	Daily              []DayBucket  `json:"daily"`
	TopFlags           []FlagCount  `json:"top_flags"`
	TopAgents          []AgentCount `json:"top_agents"`
	LatencyPercentiles LatencyStats `json:"latency_percentiles"`
}

// GetStats returns aggregated usage and security stats for a tenant over
// the given number of days.
func (s *Store) GetStats(ctx context.Context, tenantID string, days int) (*StatsResult, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	result := &StatsResult{}

	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE blocked),
			COALESCE(sum(cost_usd), 0),
			COALESCE(avg(risk_score), 0)
		FROM events
		WHERE tenant_id = $1 AND timestamp >= $2`,
		tenantID, rangeStart,
	).Scan(
		&result.Summary.TotalEvents, &result.Summary.BlockedEvents,
		&result.Summary.TotalCostUSD, &result.Summary.AverageRisk,
	)
	if err != nil {
		return nil, fmt.Errorf("GetStats summary: %w", err)
	}

	dayRows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('day', timestamp), 'YYYY-MM-DD') AS day,
			count(*),
			count(*) FILTER (WHERE blocked),
			COALESCE(sum(cost_usd), 0)
		FROM events
		WHERE tenant_id = $1 AND timestamp >= $2
		GROUP BY day ORDER BY day`,
		tenantID, rangeStart)
	if err != nil {
		return nil, fmt.Errorf("GetStats daily: %w", err)
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var b DayBucket
		if err := dayRows.Scan(&b.Day, &b.Events, &b.Blocked, &b.CostUSD); err != nil {
			return nil, fmt.Errorf("GetStats daily scan: %w", err)
		}
		result.Daily = append(result.Daily, b)
	}
	if err := dayRows.Err(); err != nil {
		return nil, fmt.Errorf("GetStats daily: %w", err)
	}

	flagRows, err := s.db.QueryContext(ctx, `
		SELECT f.flag, count(*)
		FROM events e, jsonb_array_elements_text(e.flags) AS f(flag)
		WHERE e.tenant_id = $1 AND e.timestamp >= $2
		GROUP BY f.flag ORDER BY count(*) DESC LIMIT 10`,
		tenantID, rangeStart)
	if err != nil {
		return nil, fmt.Errorf("GetStats top_flags: %w", err)
	}
	defer flagRows.Close()
	for flagRows.Next() {
		var fc FlagCount
		if err := flagRows.Scan(&fc.Flag, &fc.Count); err != nil {
			return nil, fmt.Errorf("GetStats top_flags scan: %w", err)
		}
		result.TopFlags = append(result.TopFlags, fc)
	}
	if err := flagRows.Err(); err != nil {
		return nil, fmt.Errorf("GetStats top_flags: %w", err)
	}

	agentRows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, count(*), count(*) FILTER (WHERE blocked)
		FROM events
		WHERE tenant_id = $1 AND timestamp >= $2 AND agent_id <> ''
		GROUP BY agent_id ORDER BY count(*) DESC LIMIT 10`,
		tenantID, rangeStart)
	if err != nil {
		return nil, fmt.Errorf("GetStats top_agents: %w", err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var ac AgentCount
		if err := agentRows.Scan(&ac.AgentID, &ac.Events, &ac.Blocked); err != nil {
			return nil, fmt.Errorf("GetStats top_agents scan: %w", err)
		}
		result.TopAgents = append(result.TopAgents, ac)
	}
	if err := agentRows.Err(); err != nil {
		return nil, fmt.Errorf("GetStats top_agents: %w", err)
	}

	// Percentiles come back NULL on an empty window.
	var p50, p95, p99 sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT percentile_cont(0.5) WITHIN GROUP (ORDER BY latency_ms),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms)
		FROM events
		WHERE tenant_id = $1 AND timestamp >= $2`,
		tenantID, dayStart,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetStats latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: p50.Float64, P95: p95.Float64, P99: p99.Float64,
	}

	if result.Daily == nil {
		result.Daily = []DayBucket{}
	}
	if result.TopFlags == nil {
		result.TopFlags = []FlagCount{}
	}
	if result.TopAgents == nil {
		result.TopAgents = []AgentCount{}
	}
	return result, nil
}

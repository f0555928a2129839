package policy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/event"
)

const (
	// CacheTTL bounds how long a tenant's rule set is served without a
	// reload. A stale or missing entry blocks evaluation until the
	// reload finishes, so new rules take effect within one TTL.
	CacheTTL = 5 * time.Minute

	// RuleBudget is the hard wall-clock cap per condition evaluation.
	RuleBudget = 10 * time.Millisecond

	maxScore = 100

	hitFlushTimeout = 5 * time.Second
)

// compiledRule pairs a rule with its parsed condition. Parse failures are
// kept so the rule is skipped without reparsing on every event.
type compiledRule struct {
	Rule
	prog     *Program
	parseErr error
}

type cacheEntry struct {
	rules     []compiledRule
	expiresAt time.Time
}

// Engine evaluates tenant policy rules against events. It owns the rule
// cache exclusively; nothing else mutates it.
type Engine struct {
	source RuleSource
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.RWMutex
	cache  map[string]*cacheEntry
	flight singleflight.Group
}

// NewEngine builds an engine over a rule source. ttl <= 0 falls back to
// CacheTTL.
func NewEngine(source RuleSource, ttl time.Duration, logger *zap.Logger) *Engine {
	if ttl <= 0 {
		ttl = CacheTTL
	}
	return &Engine{
		source: source,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]*cacheEntry),
	}
}

// Evaluate runs every enabled rule for the event's tenant. Each matched
// rule contributes its severity score; the action with the highest
// precedence (BLOCK > ALERT > ALLOW) wins. Hit counters are flushed in
// the background so evaluation latency never depends on the store.
func (e *Engine) Evaluate(ctx context.Context, ev *event.LoggedEvent) engine.PolicyResult {
	res := engine.PolicyResult{Action: engine.ActionAllow}
	rules := e.rulesFor(ctx, ev.TenantID)
	if len(rules) == 0 {
		return res
	}

	binds := bindings(ev)
	var matched []string
	for _, r := range rules {
		if !e.ruleMatches(r, binds) {
			continue
		}
		matched = append(matched, r.ID)
		res.Score += r.Severity.Score()
		res.Violations = append(res.Violations, engine.RuleViolation{
			RuleID:   r.ID,
			RuleName: r.Name,
			Action:   r.Action,
			Severity: r.Severity,
		})
		if r.Action == engine.ActionBlock {
			res.Action = engine.ActionBlock
		} else if r.Action == engine.ActionAlert && res.Action != engine.ActionBlock {
			res.Action = engine.ActionAlert
		}
	}
	if res.Score > maxScore {
		res.Score = maxScore
	}

	if len(matched) > 0 {
		go e.recordHits(matched)
	}
	return res
}

// ruleMatches evaluates one condition under the wall-clock cap. Every
// fault, parse failure included, means "did not match" so one bad rule
// can never block traffic or starve its neighbors.
func (e *Engine) ruleMatches(r compiledRule, binds map[string]any) bool {
	if r.parseErr != nil {
		return false
	}
	v, err := r.prog.Eval(binds, time.Now().Add(RuleBudget))
	if err != nil {
		e.logger.Warn("policy condition fault",
			zap.String("rule_id", r.ID),
			zap.String("rule", r.Name),
			zap.Error(err),
		)
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// rulesFor returns the tenant's compiled rules, reloading synchronously
// when the cached entry is stale or missing. Concurrent reloads for the
// same tenant collapse into one store query.
func (e *Engine) rulesFor(ctx context.Context, tenantID string) []compiledRule {
	e.mu.RLock()
	ent := e.cache[tenantID]
	e.mu.RUnlock()
	if ent != nil && time.Now().Before(ent.expiresAt) {
		return ent.rules
	}

	v, err, _ := e.flight.Do(tenantID, func() (any, error) {
		// Another caller may have refreshed while we queued.
		e.mu.RLock()
		cur := e.cache[tenantID]
		e.mu.RUnlock()
		if cur != nil && time.Now().Before(cur.expiresAt) {
			return cur.rules, nil
		}

		raw, err := e.source.ListEnabledRules(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		compiled := e.compile(raw)
		e.mu.Lock()
		e.cache[tenantID] = &cacheEntry{rules: compiled, expiresAt: time.Now().Add(e.ttl)}
		e.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		e.logger.Warn("policy rule reload failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		if ent != nil {
			// Stale rules beat no rules.
			return ent.rules
		}
		return nil
	}
	return v.([]compiledRule)
}

// Invalidate drops a tenant's cached rules so the next evaluation sees
// fresh state. Called after rule writes.
func (e *Engine) Invalidate(tenantID string) {
	e.mu.Lock()
	delete(e.cache, tenantID)
	e.mu.Unlock()
}

func (e *Engine) compile(rules []Rule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		prog, err := Parse(r.Condition)
		if err != nil {
			e.logger.Warn("policy condition parse failed",
				zap.String("rule_id", r.ID),
				zap.String("rule", r.Name),
				zap.Error(err),
			)
		}
		out = append(out, compiledRule{Rule: r, prog: prog, parseErr: err})
	}
	return out
}

func (e *Engine) recordHits(ruleIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), hitFlushTimeout)
	defer cancel()
	if err := e.source.IncrementRuleHits(ctx, ruleIDs); err != nil {
		e.logger.Warn("rule hit count update failed", zap.Error(err))
	}
}

// bindings exposes the event to conditions. Top-level shorthands cover
// the common cases; the full row is reachable under event.*.
func bindings(ev *event.LoggedEvent) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"id":                ev.ID,
			"tenant_id":         ev.TenantID,
			"agent_id":          ev.AgentID,
			"model":             ev.Model,
			"prompt_tokens":     float64(ev.PromptTokens),
			"completion_tokens": float64(ev.CompletionTokens),
			"cost_usd":          ev.CostUSD,
			"latency_ms":        float64(ev.LatencyMs),
			"tools":             ev.Tools,
			"request_hash":      ev.RequestHash,
			"response_preview":  ev.ResponsePreview,
			"raw_request":       ev.RawRequest,
			"raw_response":      ev.RawResponse,
		},
		"tools":   ev.Tools,
		"model":   ev.Model,
		"cost":    ev.CostUSD,
		"agentId": ev.AgentID,
	}
}

package anomaly

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/event"
	"github.com/Kanishka8375/RedTeamingAI/internal/window"
)

// Thresholds for the behavioral rules.
const (
	maxCallsPer5Min  = 20
	maxCallsPer10Sec = 5
	maxPayloadBytes  = 51200
	maxCostUSD       = 0.50
	maxFileToolCalls = 10
	maxErrorsPer10m  = 5
	maxDistinctTools = 8

	// blockScore forces shouldBlock once the additive score reaches it.
	blockScore = 80
)

// Tool-name classes. Matched against every requested tool name.
var (
	externalNetworkRe  = regexp.MustCompile(`(?i)http|fetch|request|webhook`)
	credentialAccessRe = regexp.MustCompile(`(?i)secret|password|api.?key|token|credential`)
	recursiveSpawnRe   = regexp.MustCompile(`(?i)agent|delegate|spawn`)
)

// fileTools are counted exactly, not by pattern: bulk reads of these two
// are the exfiltration signal.
var fileTools = map[string]bool{
	"file_read":      true,
	"list_directory": true,
}

// rule is one behavioral check. Each fires at most once per event.
type rule struct {
	name  string
	score int
	hard  bool
	match func(ev *event.LoggedEvent, snap window.Snapshot) bool
}

var rules = []rule{
	{"high_frequency", 40, false, func(_ *event.LoggedEvent, s window.Snapshot) bool {
		return s.CallsLast5Min > maxCallsPer5Min
	}},
	{"burst_spike", 35, false, func(_ *event.LoggedEvent, s window.Snapshot) bool {
		return s.CallsLast10Sec > maxCallsPer10Sec
	}},
	{"large_payload", 25, false, func(ev *event.LoggedEvent, _ window.Snapshot) bool {
		return len(ev.RawRequest) > maxPayloadBytes
	}},
	{"excessive_cost", 30, false, func(ev *event.LoggedEvent, _ window.Snapshot) bool {
		return ev.CostUSD > maxCostUSD
	}},
	{"file_exfiltration", 50, true, func(ev *event.LoggedEvent, _ window.Snapshot) bool {
		n := 0
		for _, t := range ev.Tools {
			if fileTools[t] {
				n++
			}
		}
		return n > maxFileToolCalls
	}},
	{"external_network", 45, false, func(ev *event.LoggedEvent, _ window.Snapshot) bool {
		return anyToolMatches(ev.Tools, externalNetworkRe)
	}},
	{"credential_access", 60, true, func(ev *event.LoggedEvent, _ window.Snapshot) bool {
		return anyToolMatches(ev.Tools, credentialAccessRe)
	}},
	{"recursive_spawn", 35, false, func(ev *event.LoggedEvent, _ window.Snapshot) bool {
		return anyToolMatches(ev.Tools, recursiveSpawnRe)
	}},
	{"repeated_failures", 30, false, func(_ *event.LoggedEvent, s window.Snapshot) bool {
		return s.ErrorsLast10Min > maxErrorsPer10m
	}},
	{"tool_enumeration", 45, false, func(_ *event.LoggedEvent, s window.Snapshot) bool {
		return s.DistinctTools > maxDistinctTools
	}},
}

// Engine scores behavioral anomalies against the agent's sliding window.
type Engine struct {
	windows *window.Store
	logger  *zap.Logger
}

// NewEngine wraps a window store.
func NewEngine(windows *window.Store, logger *zap.Logger) *Engine {
	return &Engine{windows: windows, logger: logger}
}

// Evaluate records the call into the agent's window and applies every
// rule. Scores are additive, capped at 100; shouldBlock fires at score
// 80 or on any hard-block rule.
func (e *Engine) Evaluate(ctx context.Context, ev *event.LoggedEvent) engine.AnomalyResult {
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	isErr := event.IsErrorResponse(ev.RawResponse)
	snap := e.windows.Record(ev.TenantID, ev.AgentID, now, ev.Tools, isErr)

	var res engine.AnomalyResult
	hard := false
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		if !r.match(ev, snap) {
			continue
		}
		res.Score += r.score
		res.Flags = append(res.Flags, r.name)
		if r.hard {
			hard = true
		}
	}
	if res.Score > 100 {
		res.Score = 100
	}
	res.ShouldBlock = res.Score >= blockScore || hard

	if res.ShouldBlock {
		e.logger.Debug("anomaly block",
			zap.String("tenant_id", ev.TenantID),
			zap.String("agent_id", ev.AgentID),
			zap.Int("score", res.Score),
			zap.Strings("flags", res.Flags),
		)
	}
	return res
}

func anyToolMatches(tools []string, re *regexp.Regexp) bool {
	for _, t := range tools {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

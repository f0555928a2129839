package engine

import "math"

// Blend weights. Injection dominates because scanner hits are the
// strongest direct evidence of a hostile payload.
const (
	anomalyWeight   = 0.35
	injectionWeight = 0.45
	policyWeight    = 0.20

	// blockConfidence is the scanner confidence that forces a block on
	// its own.
	blockConfidence = 80
)

// Combine blends the three engine results into one decision.
//
// Rules:
//  1. risk = round(0.35·anomaly + 0.45·injection + 0.20·policy), with each
//     input clamped to [0,100] first and the result clamped again.
//  2. blocked iff anomaly demands it, scanner confidence >= 80, or any
//     matched policy rule's action is BLOCK.
//  3. flags is the deduplicated union of anomaly flags, scanner pattern
//     names, and violated rule names, in first-seen order.
//
// All three scores are computed even when an earlier engine already
// mandates a block, so telemetry stays complete.
func Combine(a AnomalyResult, inj InjectionResult, p PolicyResult) SecurityDecision {
	raw := anomalyWeight*float64(clampScore(a.Score)) +
		injectionWeight*float64(clampScore(inj.Score)) +
		policyWeight*float64(clampScore(p.Score))
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		raw = 0
	}
	risk := clampScore(int(math.Round(raw)))

	blocked := a.ShouldBlock || inj.Confidence >= blockConfidence || p.Action == ActionBlock

	flags := make([]string, 0, len(a.Flags)+len(inj.Patterns)+len(p.Violations))
	seen := make(map[string]struct{})
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		flags = append(flags, name)
	}
	for _, f := range a.Flags {
		add(f)
	}
	for _, m := range inj.Patterns {
		add(m.Name)
	}
	for _, v := range p.Violations {
		add(v.RuleName)
	}

	return SecurityDecision{
		RiskScore: risk,
		Blocked:   blocked,
		Flags:     flags,
		Anomaly:   a,
		Injection: inj,
		Policy:    p,
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

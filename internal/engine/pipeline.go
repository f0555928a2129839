package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/event"
)

// PipelineBudget is the soft wall-clock target for a full analysis on a
// warm rule cache. Exceeding it is logged, never aborted: a slow verdict
// still beats a missing one.
const PipelineBudget = 10 * time.Millisecond

// AnomalyEngine scores behavioral anomalies for one event.
type AnomalyEngine interface {
	Evaluate(ctx context.Context, ev *event.LoggedEvent) AnomalyResult
}

// InjectionScanner scores prompt-injection evidence in the raw request.
type InjectionScanner interface {
	Scan(ctx context.Context, ev *event.LoggedEvent) InjectionResult
}

// PolicyEngine evaluates tenant policy rules against one event.
type PolicyEngine interface {
	Evaluate(ctx context.Context, ev *event.LoggedEvent) PolicyResult
}

// Pipeline fans one event out to the three engines and combines their
// results into a SecurityDecision.
type Pipeline struct {
	anomaly   AnomalyEngine
	injection InjectionScanner
	policy    PolicyEngine
	logger    *zap.Logger
}

// NewPipeline wires the three engines together.
func NewPipeline(a AnomalyEngine, i InjectionScanner, p PolicyEngine, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		anomaly:   a,
		injection: i,
		policy:    p,
		logger:    logger,
	}
}

// Analyze runs all three engines and returns the combined decision with
// EventID and ProcessingMs filled in.
//
// Anomaly and injection run on their own goroutines; both channels are
// buffered so neither sender can outlive the call blocked. Policy runs
// on the calling goroutine since only its result gates the combiner.
func (p *Pipeline) Analyze(ctx context.Context, ev *event.LoggedEvent) SecurityDecision {
	start := time.Now()

	anomalyCh := make(chan AnomalyResult, 1)
	injectionCh := make(chan InjectionResult, 1)
	go func() { anomalyCh <- p.anomaly.Evaluate(ctx, ev) }()
	go func() { injectionCh <- p.injection.Scan(ctx, ev) }()

	policyRes := p.policy.Evaluate(ctx, ev)
	anomalyRes := <-anomalyCh
	injectionRes := <-injectionCh

	decision := Combine(anomalyRes, injectionRes, policyRes)
	decision.EventID = ev.ID

	elapsed := time.Since(start)
	decision.ProcessingMs = elapsed.Milliseconds()
	if elapsed > PipelineBudget {
		p.logger.Warn("analysis pipeline exceeded budget",
			zap.Duration("elapsed", elapsed),
			zap.String("event_id", ev.ID),
		)
	}
	return decision
}

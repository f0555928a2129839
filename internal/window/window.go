package window

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Retention bounds how far back any timestamp may reach.
	Retention = 10 * time.Minute

	// AnonymousAgent buckets calls that carry no agent id.
	AnonymousAgent = "anonymous"

	sweepInterval = 60 * time.Second
)

type key struct {
	tenant string
	agent  string
}

// agentWindow tracks one agent's recent activity. Timestamps are
// append-only and therefore ordered; tools is a multiset.
type agentWindow struct {
	calls  []time.Time
	errors []time.Time
	tools  map[string]int
}

// Snapshot summarizes one agent's window as of the call being recorded,
// that call included.
type Snapshot struct {
	CallsLast5Min   int
	CallsLast10Sec  int
	ErrorsLast10Min int
	DistinctTools   int
}

// Store keeps per-(tenant, agent) sliding windows. Agent ids are
// namespaced by tenant, so identical agent names never share state
// across tenants.
type Store struct {
	mu      sync.Mutex
	windows map[key]*agentWindow
	logger  *zap.Logger
}

// NewStore returns an empty store. Call Run to enable eviction.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		windows: make(map[key]*agentWindow),
		logger:  logger,
	}
}

// Record appends one call to the agent's window and returns the counts
// the anomaly rules read. An empty agentID maps to the anonymous bucket.
func (s *Store) Record(tenantID, agentID string, now time.Time, tools []string, isError bool) Snapshot {
	if agentID == "" {
		agentID = AnonymousAgent
	}
	k := key{tenant: tenantID, agent: agentID}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[k]
	if !ok {
		w = &agentWindow{tools: make(map[string]int)}
		s.windows[k] = w
	}

	w.calls = append(w.calls, now)
	if isError {
		w.errors = append(w.errors, now)
	}
	for _, name := range tools {
		w.tools[name]++
	}

	return Snapshot{
		CallsLast5Min:   countSince(w.calls, now.Add(-5*time.Minute)),
		CallsLast10Sec:  countSince(w.calls, now.Add(-10*time.Second)),
		ErrorsLast10Min: countSince(w.errors, now.Add(-Retention)),
		DistinctTools:   len(w.tools),
	}
}

// Run sweeps expired state every minute until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep drops timestamps past retention and deletes windows left with no
// call timestamps.
func (s *Store) sweep(now time.Time) {
	cutoff := now.Add(-Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for k, w := range s.windows {
		w.calls = trimBefore(w.calls, cutoff)
		w.errors = trimBefore(w.errors, cutoff)
		if len(w.calls) == 0 {
			delete(s.windows, k)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("evicted idle agent windows", zap.Int("count", evicted))
	}
}

func (s *Store) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// countSince counts timestamps at or after cutoff. ts is ordered, so the
// scan walks back from the newest entry.
func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// trimBefore removes leading timestamps older than cutoff, reallocating
// so the backing array does not pin evicted entries.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	kept := make([]time.Time, len(ts)-i)
	copy(kept, ts[i:])
	return kept
}

package window

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRecord_CountsOwnCall(t *testing.T) {
	s := NewStore(zap.NewNop())
	now := time.Now()

	snap := s.Record("t1", "agent-a", now, nil, false)
	if snap.CallsLast5Min != 1 || snap.CallsLast10Sec != 1 {
		t.Errorf("first call snapshot = %+v, want both call counts 1", snap)
	}
	if snap.ErrorsLast10Min != 0 {
		t.Errorf("errors = %d, want 0", snap.ErrorsLast10Min)
	}
}

func TestRecord_WindowBoundaries(t *testing.T) {
	s := NewStore(zap.NewNop())
	base := time.Now()

	// Three calls spread outside the 10s burst window but inside 5min.
	s.Record("t1", "a", base.Add(-4*time.Minute), nil, false)
	s.Record("t1", "a", base.Add(-30*time.Second), nil, false)
	snap := s.Record("t1", "a", base, nil, false)

	if snap.CallsLast5Min != 3 {
		t.Errorf("CallsLast5Min = %d, want 3", snap.CallsLast5Min)
	}
	if snap.CallsLast10Sec != 1 {
		t.Errorf("CallsLast10Sec = %d, want 1", snap.CallsLast10Sec)
	}
}

func TestRecord_ErrorsTracked(t *testing.T) {
	s := NewStore(zap.NewNop())
	base := time.Now()

	for i := 0; i < 5; i++ {
		s.Record("t1", "a", base.Add(time.Duration(i)*time.Second), nil, true)
	}
	snap := s.Record("t1", "a", base.Add(6*time.Second), nil, true)
	if snap.ErrorsLast10Min != 6 {
		t.Errorf("ErrorsLast10Min = %d, want 6", snap.ErrorsLast10Min)
	}
}

func TestRecord_DistinctTools(t *testing.T) {
	s := NewStore(zap.NewNop())
	now := time.Now()

	s.Record("t1", "a", now, []string{"file_read", "file_read", "http_get"}, false)
	snap := s.Record("t1", "a", now.Add(time.Second), []string{"search"}, false)
	if snap.DistinctTools != 3 {
		t.Errorf("DistinctTools = %d, want 3", snap.DistinctTools)
	}
}

func TestRecord_AnonymousBucket(t *testing.T) {
	s := NewStore(zap.NewNop())
	now := time.Now()

	s.Record("t1", "", now, nil, false)
	snap := s.Record("t1", AnonymousAgent, now.Add(time.Second), nil, false)
	if snap.CallsLast5Min != 2 {
		t.Errorf("anonymous bucket not shared: CallsLast5Min = %d, want 2", snap.CallsLast5Min)
	}
}

func TestRecord_NoCrossTenantVisibility(t *testing.T) {
	s := NewStore(zap.NewNop())
	now := time.Now()

	for i := 0; i < 10; i++ {
		s.Record("tenant-one", "shared-name", now.Add(time.Duration(i)*time.Millisecond), nil, false)
	}
	snap := s.Record("tenant-two", "shared-name", now.Add(time.Second), nil, false)
	if snap.CallsLast5Min != 1 {
		t.Errorf("tenant-two sees %d calls, want 1", snap.CallsLast5Min)
	}
}

func TestSweep_DropsExpiredAndRemovesIdle(t *testing.T) {
	s := NewStore(zap.NewNop())
	base := time.Now()

	s.Record("t1", "idle", base, []string{"x"}, true)
	s.Record("t1", "active", base, nil, false)
	s.Record("t1", "active", base.Add(9*time.Minute), nil, false)

	s.sweep(base.Add(Retention + time.Second))

	if got := s.size(); got != 1 {
		t.Fatalf("windows after sweep = %d, want 1", got)
	}

	// The survivor's expired first call must be gone.
	snap := s.Record("t1", "active", base.Add(Retention+2*time.Second), nil, false)
	if snap.CallsLast5Min != 2 {
		t.Errorf("CallsLast5Min = %d, want 2 (expired call retained?)", snap.CallsLast5Min)
	}
}

func TestSweep_EmptyStore(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.sweep(time.Now())
	if got := s.size(); got != 0 {
		t.Errorf("size = %d, want 0", got)
	}
}

func TestRecord_Concurrent(t *testing.T) {
	s := NewStore(zap.NewNop())
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", n%5)
			for j := 0; j < 20; j++ {
				s.Record("t1", agent, now, []string{"tool"}, j%3 == 0)
			}
		}(i)
	}
	wg.Wait()

	snap := s.Record("t1", "agent-0", now.Add(time.Second), nil, false)
	// 10 goroutines hit agent-0, 20 calls each, plus this one.
	if snap.CallsLast5Min != 201 {
		t.Errorf("CallsLast5Min = %d, want 201", snap.CallsLast5Min)
	}
}

func BenchmarkRecord(b *testing.B) {
	s := NewStore(zap.NewNop())
	now := time.Now()
	tools := []string{"search", "fetch_page"}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s.Record("bench", "agent", now.Add(time.Duration(i)*time.Microsecond), tools, false)
	}
}

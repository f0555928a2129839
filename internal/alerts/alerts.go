package alerts

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// RiskThreshold is the risk score above which an unblocked event
	// still raises an alert.
	RiskThreshold = 50

	defaultQueueSize = 1024
	notifyTimeout    = 5 * time.Second
	drainTimeout     = 2 * time.Second
)

// Alert is a high-risk signal emitted off the proxy hot path.
type Alert struct {
	EventID   string    `json:"event_id"`
	TenantID  string    `json:"tenant_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	RiskScore int       `json:"risk_score"`
	Blocked   bool      `json:"blocked"`
	Flags     []string  `json:"flags"`
	Timestamp time.Time `json:"timestamp"`
}

// Wanted reports whether an analysis outcome should raise an alert:
// blocked events always, unblocked ones only above RiskThreshold.
func Wanted(blocked bool, riskScore int) bool {
	return blocked || riskScore > RiskThreshold
}

// Notifier delivers one alert. Implementations may call webhooks, page,
// or just log; failures are logged and never retried.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log. It is the default
// sink until an external channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier on the given logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	n.logger.Warn("security_alert",
		zap.String("event_id", a.EventID),
		zap.String("tenant_id", a.TenantID),
		zap.String("agent_id", a.AgentID),
		zap.Int("risk_score", a.RiskScore),
		zap.Bool("blocked", a.Blocked),
		zap.Strings("flags", a.Flags),
	)
	return nil
}

// Queue is a bounded async alert queue. Enqueue never blocks the caller;
// alerts are delivered by a single background worker.
type Queue struct {
	buffer   chan Alert
	done     chan struct{}
	drained  chan struct{} // closed by the worker when it returns
	dropped  atomic.Int64
	notifier Notifier
	logger   *zap.Logger
}

// NewQueue creates a Queue with the given buffer size (0 means the
// default) and starts the delivery worker.
func NewQueue(n Notifier, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &Queue{
		buffer:   make(chan Alert, size),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		notifier: n,
		logger:   logger,
	}
	go q.run()
	return q
}

// Enqueue queues an alert for delivery. Non-blocking: returns false and
// counts a drop when the buffer is full.
func (q *Queue) Enqueue(a Alert) bool {
	select {
	case q.buffer <- a:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("alert queue full, dropping alert",
			zap.String("event_id", a.EventID),
		)
		return false
	}
}

// Dropped returns the number of alerts dropped due to a full buffer.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close signals the worker to drain queued alerts, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (q *Queue) Close() {
	close(q.done)
	<-q.drained
}

func (q *Queue) run() {
	defer close(q.drained)

	for {
		select {
		case a := <-q.buffer:
			q.deliver(a)
		case <-q.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case a := <-q.buffer:
					q.deliver(a)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			return
		}
	}
}

func (q *Queue) deliver(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := q.notifier.Notify(ctx, a); err != nil {
		q.logger.Error("alert delivery failed",
			zap.String("event_id", a.EventID),
			zap.Error(err),
		)
	}
}

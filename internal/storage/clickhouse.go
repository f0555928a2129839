package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/event"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter exports analyzed events to ClickHouse asynchronously.
// Write() is non-blocking — events are buffered and batch-inserted in a
// background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *event.LoggedEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// Ensure TLS is enabled for secure connections (e.g. ClickHouse Cloud on port 9440).
	// ParseDSN sets this when ?secure=true is in the DSN, but we enforce it here
	// as a safety net to match ClickHouse Cloud's official Go connection example.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *event.LoggedEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues an event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(ev *event.LoggedEvent) {
	select {
	case w.buffer <- ev:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_id", ev.ID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*event.LoggedEvent, 0, flushBatch)

	for {
		select {
		case ev := <-w.buffer:
			batch = append(batch, ev)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining events from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case ev := <-w.buffer:
					batch = append(batch, ev)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*event.LoggedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO proxy_events (
			event_id, timestamp, tenant_id, agent_id, model,
			prompt_tokens, completion_tokens, cost_usd, latency_ms,
			tools, request_hash, response_preview,
			risk_score, blocked, flags
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var blockedUint8 uint8
		if e.Blocked {
			blockedUint8 = 1
		}

		if err := batch.Append(
			e.ID,
			e.Timestamp,
			e.TenantID,
			e.AgentID,
			e.Model,
			uint32(e.PromptTokens),
			uint32(e.CompletionTokens),
			e.CostUSD,
			e.LatencyMs,
			e.Tools,
			e.RequestHash,
			e.ResponsePreview,
			uint8(e.RiskScore),
			blockedUint8,
			e.Flags,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(ev *event.LoggedEvent) {
	w.logger.Info("proxy_event",
		zap.String("event_id", ev.ID),
		zap.String("tenant_id", ev.TenantID),
		zap.String("agent_id", ev.AgentID),
		zap.String("model", ev.Model),
		zap.Int("prompt_tokens", ev.PromptTokens),
		zap.Int("completion_tokens", ev.CompletionTokens),
		zap.Float64("cost_usd", ev.CostUSD),
		zap.Int64("latency_ms", ev.LatencyMs),
		zap.Int("risk_score", ev.RiskScore),
		zap.Bool("blocked", ev.Blocked),
		zap.Strings("flags", ev.Flags),
	)
}

func (w *LogWriter) Close() {}

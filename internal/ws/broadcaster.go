package ws

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/event"
)

const (
	mailboxSize  = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

// Envelope is one server-to-client frame. The stream is one-way; client
// frames are read only to keep the connection healthy.
type Envelope struct {
	Type    string             `json:"type"`
	Payload *event.LoggedEvent `json:"payload"`
}

// subscriber is one connected dashboard. The mailbox decouples the
// publisher from the socket write; forceClose is closed by the
// Broadcaster to disconnect a slow or shutting-down subscriber.
type subscriber struct {
	tenantID   string
	mailbox    chan Envelope
	forceClose chan struct{}
	once       sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.forceClose) })
}

// Broadcaster fans analyzed events out to per-tenant WebSocket
// subscribers. Publishing is best-effort and never blocks the proxy hot
// path: a subscriber that cannot keep up is disconnected, not waited on.
type Broadcaster struct {
	mu      sync.RWMutex
	tenants map[string]map[*subscriber]struct{}
	logger  *zap.Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		tenants: make(map[string]map[*subscriber]struct{}),
		logger:  logger,
	}
}

func (b *Broadcaster) subscribe(tenantID string) *subscriber {
	sub := &subscriber{
		tenantID:   tenantID,
		mailbox:    make(chan Envelope, mailboxSize),
		forceClose: make(chan struct{}),
	}
	b.mu.Lock()
	set, ok := b.tenants[tenantID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.tenants[tenantID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	if set, ok := b.tenants[sub.tenantID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.tenants, sub.tenantID)
		}
	}
	b.mu.Unlock()
}

// Publish sends an analyzed event to every subscriber of the tenant.
// Non-blocking: a full mailbox disconnects that subscriber instead of
// stalling the caller. Tenants without subscribers are a no-op.
func (b *Broadcaster) Publish(tenantID string, ev *event.LoggedEvent) {
	b.mu.RLock()
	set := b.tenants[tenantID]
	subs := make([]*subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	env := Envelope{Type: "event", Payload: ev}
	for _, s := range subs {
		select {
		case s.mailbox <- env:
		default:
			b.logger.Warn("subscriber mailbox full, disconnecting",
				zap.String("tenant_id", tenantID),
			)
			s.close()
		}
	}
}

// SubscriberCount returns the number of live subscribers for a tenant.
func (b *Broadcaster) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tenants[tenantID])
}

// Close disconnects every subscriber. Used at shutdown; new subscriptions
// after Close are not prevented, callers stop the listener first.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	var subs []*subscriber
	for _, set := range b.tenants {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.close()
	}
}

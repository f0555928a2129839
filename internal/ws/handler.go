package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/auth"
)

// Handler upgrades GET /ws requests and pumps the tenant's event stream
// to the client. Auth happens before the upgrade so a bad key gets a
// plain 401, not a failed WebSocket handshake.
type Handler struct {
	auth    auth.Authenticator
	b       *Broadcaster
	origins []string
	logger  *zap.Logger
}

// NewHandler creates a Handler. origins is the allowed Origin pattern
// list for browser clients; empty means same-origin only.
func NewHandler(a auth.Authenticator, b *Broadcaster, origins []string, logger *zap.Logger) *Handler {
	return &Handler{auth: a, b: b, origins: origins, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.auth.Authenticate(r.Context(), auth.KeyFromRequest(r))
	if err != nil {
		if errors.Is(err, auth.ErrAuthUnavailable) {
			writeAuthError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "authentication temporarily unavailable")
			return
		}
		if errors.Is(err, auth.ErrMissingAPIKey) {
			writeAuthError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "missing API key")
			return
		}
		writeAuthError(w, http.StatusUnauthorized, "AUTH_INVALID", "invalid API key")
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(h.origins) > 0 {
		opts.OriginPatterns = h.origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.b.subscribe(tenant.ID)
	defer h.b.unsubscribe(sub)

	// Reads keep pong processing alive; inbound frames are discarded.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-sub.forceClose:
			_ = conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			return
		case env := <-sub.mailbox:
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, env)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		case <-pings.C:
			// A peer that misses the pong deadline is force-closed.
			pingCtx, cancelPing := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat_timeout")
				return
			}
		}
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

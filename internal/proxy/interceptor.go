package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/alerts"
	"github.com/Kanishka8375/RedTeamingAI/internal/auth"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/event"
	"github.com/Kanishka8375/RedTeamingAI/internal/pricing"
)

// maxBodyBytes caps inbound request bodies at 10MB.
const maxBodyBytes = 10 << 20

// EventStore is the slice of the persistence layer the proxy needs.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *event.LoggedEvent) (string, error)
	UpdateSecurityResult(ctx context.Context, id string, riskScore int, blocked bool, flags []string) error
	CountEventsInMonth(ctx context.Context, tenantID string) (int, error)
	IsAgentBlocked(ctx context.Context, tenantID, agentID string) (bool, error)
	BlockAgent(ctx context.Context, tenantID, agentID, reason string) error
}

// Analyzer produces the combined security decision for one event.
type Analyzer interface {
	Analyze(ctx context.Context, ev *event.LoggedEvent) engine.SecurityDecision
}

// Publisher fans analyzed events out to live subscribers.
type Publisher interface {
	Publish(tenantID string, ev *event.LoggedEvent)
}

// AlertSink queues high-risk signals off the hot path.
type AlertSink interface {
	Enqueue(a alerts.Alert) bool
}

// Exporter mirrors finalized events into the analytics store.
type Exporter interface {
	Write(ev *event.LoggedEvent)
}

// InterceptorConfig wires the interceptor's dependencies. Publisher,
// Alerts, and Exporter are optional; the data path works without them.
type InterceptorConfig struct {
	Auth       auth.Authenticator
	Store      EventStore
	Forwarder  *Forwarder
	Pipeline   Analyzer
	Pricing    *pricing.Table
	Publisher  Publisher
	Alerts     AlertSink
	Exporter   Exporter
	UpgradeURL string
	Logger     *zap.Logger
}

// Interceptor is the proxy data path: authenticate, gate, forward,
// account, persist, analyze, publish, respond. Analysis faults never
// break the relay; a client with a valid key always gets the upstream
// response unless the decision is an explicit block.
type Interceptor struct {
	auth       auth.Authenticator
	store      EventStore
	forwarder  *Forwarder
	pipeline   Analyzer
	pricing    *pricing.Table
	publisher  Publisher
	alerts     AlertSink
	exporter   Exporter
	upgradeURL string
	logger     *zap.Logger
}

// NewInterceptor creates an Interceptor from config.
func NewInterceptor(cfg InterceptorConfig) *Interceptor {
	return &Interceptor{
		auth:       cfg.Auth,
		store:      cfg.Store,
		forwarder:  cfg.Forwarder,
		pipeline:   cfg.Pipeline,
		pricing:    cfg.Pricing,
		publisher:  cfg.Publisher,
		alerts:     cfg.Alerts,
		exporter:   cfg.Exporter,
		upgradeURL: cfg.UpgradeURL,
		logger:     cfg.Logger,
	}
}

func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body exceeds 10MB")
		return
	}
	rawBody := string(body)

	// Auth: header first, JSON body apiKey as fallback.
	key := r.Header.Get(HeaderAPIKey)
	if key == "" {
		key = event.ExtractAPIKey(rawBody)
	}
	if key == "" {
		writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "missing API key")
		return
	}
	tenant, err := ic.auth.Authenticate(r.Context(), key)
	if err != nil {
		if errors.Is(err, auth.ErrAuthUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "authentication temporarily unavailable")
			return
		}
		writeError(w, http.StatusUnauthorized, "AUTH_INVALID", "invalid API key")
		return
	}

	agentID := r.Header.Get(HeaderAgentID)

	// Agent gate. Lookup faults fail open: an unreachable block list
	// must not take the proxy down with it.
	if agentID != "" {
		blocked, err := ic.store.IsAgentBlocked(r.Context(), tenant.ID, agentID)
		if err != nil {
			ic.logger.Warn("agent block lookup failed, continuing",
				zap.String("tenant_id", tenant.ID),
				zap.Error(err),
			)
		} else if blocked {
			writeError(w, http.StatusForbidden, "AGENT_BLOCKED", "agent is blocked for this tenant")
			return
		}
	}

	// Quota gate, same fail-open stance.
	if tenant.MonthlyLimit != nil {
		used, err := ic.store.CountEventsInMonth(r.Context(), tenant.ID)
		if err != nil {
			ic.logger.Warn("quota lookup failed, continuing",
				zap.String("tenant_id", tenant.ID),
				zap.Error(err),
			)
		} else if used >= *tenant.MonthlyLimit {
			writeLimitError(w, ic.upgradeURL)
			return
		}
	}

	res, err := ic.forwarder.Forward(r.Context(), r.URL.Path, body, event.WantsStream(rawBody), w)
	if err != nil {
		ic.logger.Warn("upstream forward failed, retrying without analysis",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		ic.failOpen(w, r, body)
		return
	}

	// Post-forward work must survive client disconnects; a canceled
	// request context would abort persistence mid-write.
	ctx := context.WithoutCancel(r.Context())

	ev := ic.buildEvent(tenant.ID, agentID, rawBody, res)

	id, err := ic.store.InsertEvent(ctx, ev)
	if err != nil {
		if res.Streamed {
			ic.logger.Error("event insert failed after streamed response", zap.Error(err))
			return
		}
		ic.logger.Warn("event insert failed, retrying without analysis", zap.Error(err))
		ic.failOpen(w, r, body)
		return
	}
	ev.ID = id

	decision := ic.pipeline.Analyze(ctx, ev)
	ev.RiskScore = decision.RiskScore
	ev.Blocked = decision.Blocked
	ev.Flags = decision.Flags

	// The security update happens before publish so subscribers never
	// see a fresher frame than the stored row.
	if err := ic.store.UpdateSecurityResult(ctx, ev.ID, decision.RiskScore, decision.Blocked, decision.Flags); err != nil {
		if res.Streamed {
			ic.logger.Error("security update failed after streamed response",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			return
		}
		ic.logger.Warn("security update failed, retrying without analysis",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		ic.failOpen(w, r, body)
		return
	}

	if ic.exporter != nil {
		ic.exporter.Write(ev)
	}
	if ic.publisher != nil {
		ic.publisher.Publish(tenant.ID, ev)
	}
	if ic.alerts != nil && alerts.Wanted(ev.Blocked, ev.RiskScore) {
		ic.alerts.Enqueue(alerts.Alert{
			EventID:   ev.ID,
			TenantID:  tenant.ID,
			AgentID:   agentID,
			RiskScore: ev.RiskScore,
			Blocked:   ev.Blocked,
			Flags:     ev.Flags,
			Timestamp: time.Now().UTC(),
		})
	}

	if res.Streamed {
		// The body is already on the wire; a block can only contain the
		// agent's next request.
		if ev.Blocked && agentID != "" {
			if err := ic.store.BlockAgent(ctx, tenant.ID, agentID, "blocked after streamed response"); err != nil {
				ic.logger.Error("post-stream agent block failed",
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
			}
		}
		return
	}

	if ev.Blocked {
		writeBlocked(w, ev)
		return
	}

	ic.relay(w, res, ev)
}

// buildEvent assembles the initial event record from the request and the
// upstream result. Risk fields stay zero until analysis.
func (ic *Interceptor) buildEvent(tenantID, agentID, rawRequest string, res *Result) *event.LoggedEvent {
	usage := event.ParseUsage(res.RawResponse)
	model := event.ExtractModel(rawRequest)
	return &event.LoggedEvent{
		Timestamp:        time.Now().UTC(),
		TenantID:         tenantID,
		AgentID:          agentID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          ic.pricing.Cost(model, usage.PromptTokens, usage.CompletionTokens),
		LatencyMs:        res.LatencyMs,
		Tools:            event.ExtractToolNames(rawRequest),
		RequestHash:      event.HashRequest(rawRequest),
		ResponsePreview:  event.Truncate(res.RawResponse, event.PreviewLength),
		Flags:            []string{},
		RawRequest:       rawRequest,
		RawResponse:      res.RawResponse,
	}
}

// failOpen retries the upstream call once with no analysis and relays
// the raw response. Losing an event beats failing a customer request;
// only a second upstream failure surfaces as PROXY_ERROR.
func (ic *Interceptor) failOpen(w http.ResponseWriter, r *http.Request, body []byte) {
	res, err := ic.forwarder.Forward(r.Context(), r.URL.Path, body, false, nil)
	if err != nil {
		ic.logger.Error("fail-open retry failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "PROXY_ERROR", "upstream request failed")
		return
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.Status)
	_, _ = io.WriteString(w, res.RawResponse)
}

// relay writes a buffered upstream response with tracking headers.
func (ic *Interceptor) relay(w http.ResponseWriter, res *Result, ev *event.LoggedEvent) {
	copyHeader(w.Header(), res.Header)
	w.Header().Set(HeaderEventID, ev.ID)
	w.Header().Set(HeaderRiskScore, strconv.Itoa(ev.RiskScore))
	w.WriteHeader(res.Status)
	_, _ = io.WriteString(w, res.RawResponse)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = vs
	}
}

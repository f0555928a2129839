package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/Kanishka8375/RedTeamingAI/internal/alerts"
	"github.com/Kanishka8375/RedTeamingAI/internal/auth"
	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/event"
	"github.com/Kanishka8375/RedTeamingAI/internal/pricing"
)

const (
	testValidKey = "rtai_0123456789abcdef0123456789abcdef"
	testTenantID = "11111111-2222-3333-4444-555555555555"
)

const testRequestBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"get_weather"}}]}`

const testUpstreamBody = `{"id":"chatcmpl-1","model":"gpt-4o","usage":{"prompt_tokens":100,"completion_tokens":20},"choices":[{"message":{"content":"hello"}}]}`

type stubAuthenticator struct {
	tenant *auth.TenantContext
	err    error
}

func (a *stubAuthenticator) Authenticate(_ context.Context, key string) (*auth.TenantContext, error) {
	if a.err != nil {
		return nil, a.err
	}
	if key != testValidKey {
		return nil, auth.ErrInvalidAPIKey
	}
	return a.tenant, nil
}

type securityUpdate struct {
	id        string
	riskScore int
	blocked   bool
	flags     []string
}

type mockEventStore struct {
	mu           sync.Mutex
	events       []*event.LoggedEvent
	updates      []securityUpdate
	agentBlocks  []string
	monthCount   int
	countCalls   int
	agentBlocked bool
	insertErr    error
	updateErr    error
	countErr     error
	agentErr     error
}

func (m *mockEventStore) InsertEvent(_ context.Context, ev *event.LoggedEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.events = append(m.events, ev)
	return fmt.Sprintf("evt-%04d", len(m.events)), nil
}

func (m *mockEventStore) UpdateSecurityResult(_ context.Context, id string, riskScore int, blocked bool, flags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, securityUpdate{id: id, riskScore: riskScore, blocked: blocked, flags: flags})
	return nil
}

func (m *mockEventStore) CountEventsInMonth(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countCalls++
	return m.monthCount, m.countErr
}

func (m *mockEventStore) IsAgentBlocked(_ context.Context, _, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentBlocked, m.agentErr
}

func (m *mockEventStore) BlockAgent(_ context.Context, _, agentID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentBlocks = append(m.agentBlocks, agentID+": "+reason)
	return nil
}

type stubAnalyzer struct {
	decision engine.SecurityDecision
	calls    atomic.Int32
}

func (a *stubAnalyzer) Analyze(_ context.Context, ev *event.LoggedEvent) engine.SecurityDecision {
	a.calls.Add(1)
	d := a.decision
	d.EventID = ev.ID
	return d
}

type stubPublisher struct {
	mu     sync.Mutex
	events []*event.LoggedEvent
}

func (p *stubPublisher) Publish(_ string, ev *event.LoggedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type stubAlertSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (s *stubAlertSink) Enqueue(a alerts.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return true
}

func (s *stubAlertSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type interceptorRig struct {
	ic       *Interceptor
	authStub *stubAuthenticator
	store    *mockEventStore
	analyzer *stubAnalyzer
	pub      *stubPublisher
	alerts   *stubAlertSink
	upstream *httptest.Server
	hits     atomic.Int32
}

// newInterceptorRig builds an Interceptor against a live fake upstream.
// handler nil means a canned chat completion response.
func newInterceptorRig(t *testing.T, handler http.HandlerFunc) *interceptorRig {
	t.Helper()
	rig := &interceptorRig{
		authStub: &stubAuthenticator{tenant: &auth.TenantContext{ID: testTenantID, Name: "acme"}},
		store:    &mockEventStore{},
		analyzer: &stubAnalyzer{decision: engine.SecurityDecision{RiskScore: 12, Flags: []string{}}},
		pub:      &stubPublisher{},
		alerts:   &stubAlertSink{},
	}
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(testUpstreamBody))
		}
	}
	rig.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rig.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(rig.upstream.Close)

	forwarder := NewForwarder(ForwarderConfig{
		OpenAIKey:        "sk-test",
		AnthropicKey:     "sk-test",
		OpenAIBaseURL:    rig.upstream.URL,
		AnthropicBaseURL: rig.upstream.URL,
	}, zap.NewNop())

	rig.ic = NewInterceptor(InterceptorConfig{
		Auth:       rig.authStub,
		Store:      rig.store,
		Forwarder:  forwarder,
		Pipeline:   rig.analyzer,
		Pricing:    pricing.NewTable(),
		Publisher:  rig.pub,
		Alerts:     rig.alerts,
		UpgradeURL: "https://example.com/upgrade",
		Logger:     zap.NewNop(),
	})
	return rig
}

func (rig *interceptorRig) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	rig.ic.ServeHTTP(rec, req)
	return rec
}

func newProxyRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(HeaderAPIKey, testValidKey)
	req.Header.Set(HeaderAgentID, "agent-7")
	return req
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.NewDecoder(rec.Body).Decode(&eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return eb
}

func TestInterceptor_HappyPath(t *testing.T) {
	rig := newInterceptorRig(t, nil)

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if rec.Body.String() != testUpstreamBody {
		t.Errorf("body = %q, want upstream body", rec.Body.String())
	}
	if got := rec.Header().Get(HeaderEventID); got != "evt-0001" {
		t.Errorf("%s = %q, want evt-0001", HeaderEventID, got)
	}
	if got := rec.Header().Get(HeaderRiskScore); got != "12" {
		t.Errorf("%s = %q, want 12", HeaderRiskScore, got)
	}

	if len(rig.store.events) != 1 {
		t.Fatalf("inserted events = %d, want 1", len(rig.store.events))
	}
	ev := rig.store.events[0]
	if ev.TenantID != testTenantID {
		t.Errorf("TenantID = %q, want %q", ev.TenantID, testTenantID)
	}
	if ev.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want agent-7", ev.AgentID)
	}
	if ev.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", ev.Model)
	}
	if ev.PromptTokens != 100 || ev.CompletionTokens != 20 {
		t.Errorf("tokens = %d/%d, want 100/20", ev.PromptTokens, ev.CompletionTokens)
	}
	if ev.CostUSD <= 0 {
		t.Errorf("CostUSD = %f, want > 0", ev.CostUSD)
	}
	if len(ev.Tools) != 1 || ev.Tools[0] != "get_weather" {
		t.Errorf("Tools = %v, want [get_weather]", ev.Tools)
	}
	if ev.RawRequest != testRequestBody {
		t.Error("RawRequest not captured")
	}

	if len(rig.store.updates) != 1 {
		t.Fatalf("security updates = %d, want 1", len(rig.store.updates))
	}
	up := rig.store.updates[0]
	if up.id != "evt-0001" || up.riskScore != 12 || up.blocked {
		t.Errorf("update = %+v, want evt-0001 risk 12 unblocked", up)
	}

	if rig.pub.count() != 1 {
		t.Errorf("published events = %d, want 1", rig.pub.count())
	}
	if rig.alerts.count() != 0 {
		t.Errorf("alerts = %d, want 0 for low risk", rig.alerts.count())
	}
}

func TestInterceptor_MissingKey(t *testing.T) {
	rig := newInterceptorRig(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	rec := rig.do(t, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if eb := decodeErrorBody(t, rec); eb.Code != "AUTH_REQUIRED" {
		t.Errorf("code = %q, want AUTH_REQUIRED", eb.Code)
	}
	if rig.hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", rig.hits.Load())
	}
}

func TestInterceptor_BodyKeyFallback(t *testing.T) {
	rig := newInterceptorRig(t, nil)

	body := fmt.Sprintf(`{"model":"gpt-4o","apiKey":%q,"messages":[]}`, testValidKey)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := rig.do(t, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestInterceptor_InvalidKey(t *testing.T) {
	rig := newInterceptorRig(t, nil)

	req := newProxyRequest(testRequestBody)
	req.Header.Set(HeaderAPIKey, "rtai_wrong")
	rec := rig.do(t, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if eb := decodeErrorBody(t, rec); eb.Code != "AUTH_INVALID" {
		t.Errorf("code = %q, want AUTH_INVALID", eb.Code)
	}
}

func TestInterceptor_AuthUnavailable(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.authStub.err = fmt.Errorf("%w: connection refused", auth.ErrAuthUnavailable)

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if eb := decodeErrorBody(t, rec); eb.Code != "AUTH_UNAVAILABLE" {
		t.Errorf("code = %q, want AUTH_UNAVAILABLE", eb.Code)
	}
}

func TestInterceptor_AgentBlocked(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.store.agentBlocked = true

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if eb := decodeErrorBody(t, rec); eb.Code != "AGENT_BLOCKED" {
		t.Errorf("code = %q, want AGENT_BLOCKED", eb.Code)
	}
	if rig.hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", rig.hits.Load())
	}
}

func TestInterceptor_AgentLookupFailureContinues(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.store.agentErr = errors.New("db down")

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d after lookup failure", rec.Code, http.StatusOK)
	}
}

func TestInterceptor_QuotaExceeded(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	limit := 10
	rig.authStub.tenant.MonthlyLimit = &limit
	rig.store.monthCount = 10

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	eb := decodeErrorBody(t, rec)
	if eb.Code != "PLAN_LIMIT" {
		t.Errorf("code = %q, want PLAN_LIMIT", eb.Code)
	}
	if eb.UpgradeURL != "https://example.com/upgrade" {
		t.Errorf("upgradeUrl = %q, want rig value", eb.UpgradeURL)
	}
	if rig.hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", rig.hits.Load())
	}
}

func TestInterceptor_QuotaUnderLimit(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	limit := 10
	rig.authStub.tenant.MonthlyLimit = &limit
	rig.store.monthCount = 9

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestInterceptor_BlockedDecision(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.analyzer.decision = engine.SecurityDecision{
		RiskScore: 85,
		Blocked:   true,
		Flags:     []string{"prompt_injection"},
	}

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	var bb struct {
		Error     string   `json:"error"`
		EventID   string   `json:"eventId"`
		RiskScore int      `json:"riskScore"`
		Flags     []string `json:"flags"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&bb); err != nil {
		t.Fatalf("decode blocked body: %v", err)
	}
	if bb.EventID != "evt-0001" {
		t.Errorf("eventId = %q, want evt-0001", bb.EventID)
	}
	if bb.RiskScore != 85 {
		t.Errorf("riskScore = %d, want 85", bb.RiskScore)
	}
	if len(bb.Flags) != 1 || bb.Flags[0] != "prompt_injection" {
		t.Errorf("flags = %v, want [prompt_injection]", bb.Flags)
	}

	// Blocked responses never leak the upstream payload.
	if strings.Contains(rec.Body.String(), "chatcmpl-1") {
		t.Error("blocked response leaked upstream body")
	}
	if len(rig.store.updates) != 1 || !rig.store.updates[0].blocked {
		t.Errorf("updates = %+v, want one blocked update", rig.store.updates)
	}
	if rig.alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1 for blocked event", rig.alerts.count())
	}
}

func TestInterceptor_HighRiskAlertWithoutBlock(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.analyzer.decision = engine.SecurityDecision{
		RiskScore: 60,
		Flags:     []string{"anomaly:request_rate"},
	}

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rig.alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1 for risk > threshold", rig.alerts.count())
	}
}

func TestInterceptor_InsertFailureFailsOpen(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.store.insertErr = errors.New("db down")

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != testUpstreamBody {
		t.Errorf("body = %q, want upstream body", rec.Body.String())
	}
	if got := rig.hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2 (original + fail-open retry)", got)
	}
	if got := rec.Header().Get(HeaderEventID); got != "" {
		t.Errorf("%s = %q, want empty on fail-open", HeaderEventID, got)
	}
	if len(rig.store.updates) != 0 {
		t.Errorf("updates = %d, want 0", len(rig.store.updates))
	}
	if rig.pub.count() != 0 {
		t.Errorf("published = %d, want 0", rig.pub.count())
	}
}

func TestInterceptor_UpdateFailureFailsOpen(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.store.updateErr = errors.New("db down")

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rig.hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2", got)
	}
	if got := rec.Header().Get(HeaderRiskScore); got != "" {
		t.Errorf("%s = %q, want empty on fail-open", HeaderRiskScore, got)
	}
	if rig.pub.count() != 0 {
		t.Errorf("published = %d, want 0 when update failed", rig.pub.count())
	}
}

func TestInterceptor_UpstreamDown(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.upstream.Close()

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if eb := decodeErrorBody(t, rec); eb.Code != "PROXY_ERROR" {
		t.Errorf("code = %q, want PROXY_ERROR", eb.Code)
	}
}

func TestInterceptor_UnsupportedPath(t *testing.T) {
	rig := newInterceptorRig(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(testRequestBody))
	req.Header.Set(HeaderAPIKey, testValidKey)
	rec := rig.do(t, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if rig.hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", rig.hits.Load())
	}
}

func TestInterceptor_PayloadTooLarge(t *testing.T) {
	rig := newInterceptorRig(t, nil)

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(big))
	req.Header.Set(HeaderAPIKey, testValidKey)
	rec := rig.do(t, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if eb := decodeErrorBody(t, rec); eb.Code != "PAYLOAD_TOO_LARGE" {
		t.Errorf("code = %q, want PAYLOAD_TOO_LARGE", eb.Code)
	}
	if rig.hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", rig.hits.Load())
	}
}

func TestInterceptor_StreamedResponse(t *testing.T) {
	const chunk1 = "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"
	const chunk2 = "data: [DONE]\n\n"
	rig := newInterceptorRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(chunk1))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(chunk2))
	})

	rec := rig.do(t, newProxyRequest(`{"model":"gpt-4o","stream":true,"messages":[]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != chunk1+chunk2 {
		t.Errorf("body = %q, want streamed chunks", rec.Body.String())
	}
	// Headers are on the wire before analysis runs, so no event headers.
	if got := rec.Header().Get(HeaderEventID); got != "" {
		t.Errorf("%s = %q, want empty on streamed response", HeaderEventID, got)
	}

	if len(rig.store.events) != 1 {
		t.Fatalf("inserted events = %d, want 1", len(rig.store.events))
	}
	if rig.store.events[0].RawResponse != chunk1+chunk2 {
		t.Errorf("RawResponse = %q, want streamed chunks", rig.store.events[0].RawResponse)
	}
	if len(rig.store.updates) != 1 {
		t.Errorf("updates = %d, want 1", len(rig.store.updates))
	}
	if rig.pub.count() != 1 {
		t.Errorf("published = %d, want 1", rig.pub.count())
	}
}

func TestInterceptor_StreamedBlockedQuarantinesAgent(t *testing.T) {
	rig := newInterceptorRig(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})
	rig.analyzer.decision = engine.SecurityDecision{
		RiskScore: 90,
		Blocked:   true,
		Flags:     []string{"policy:exfil"},
	}

	rec := rig.do(t, newProxyRequest(`{"model":"gpt-4o","stream":true,"messages":[]}`))

	// Too late to withhold the body; the agent gets quarantined instead.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(rig.store.agentBlocks) != 1 {
		t.Fatalf("agent blocks = %d, want 1", len(rig.store.agentBlocks))
	}
	if !strings.HasPrefix(rig.store.agentBlocks[0], "agent-7: ") {
		t.Errorf("agent block = %q, want agent-7 with reason", rig.store.agentBlocks[0])
	}
}

func TestInterceptor_UnlimitedTenantSkipsQuota(t *testing.T) {
	rig := newInterceptorRig(t, nil)
	rig.store.monthCount = 1000000

	rec := rig.do(t, newProxyRequest(testRequestBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rig.store.countCalls != 0 {
		t.Errorf("quota lookups = %d, want 0 for unlimited tenant", rig.store.countCalls)
	}
}

var _ EventStore = (*mockEventStore)(nil)
var _ Analyzer = (*stubAnalyzer)(nil)
var _ Publisher = (*stubPublisher)(nil)
var _ AlertSink = (*stubAlertSink)(nil)
var _ auth.Authenticator = (*stubAuthenticator)(nil)

package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func newTestForwarder(openAIBase, anthropicBase string) *Forwarder {
	return NewForwarder(ForwarderConfig{
		OpenAIKey:        "sk-test-openai",
		AnthropicKey:     "sk-test-anthropic",
		OpenAIBaseURL:    openAIBase,
		AnthropicBaseURL: anthropicBase,
	}, zap.NewNop())
}

func TestForward_BufferedResponse(t *testing.T) {
	const body = `{"id":"cmpl-1","usage":{"prompt_tokens":10,"completion_tokens":5}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-123")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	res, err := f.Forward(context.Background(), "/v1/chat/completions", []byte(`{}`), false, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Streamed {
		t.Error("Streamed = true, want false")
	}
	if res.Status != http.StatusOK {
		t.Errorf("Status = %d, want %d", res.Status, http.StatusOK)
	}
	if res.RawResponse != body {
		t.Errorf("RawResponse = %q, want %q", res.RawResponse, body)
	}
	if got := res.Header.Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q, want %q", got, "req-123")
	}
	if res.LatencyMs < 0 {
		t.Errorf("LatencyMs = %d, want >= 0", res.LatencyMs)
	}
}

func TestForward_OpenAIAuthHeaders(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	if _, err := f.Forward(context.Background(), "/v1/chat/completions", []byte(`{}`), false, nil); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotAuth != "Bearer sk-test-openai" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer sk-test-openai")
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
}

func TestForward_AnthropicAuthHeaders(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	if _, err := f.Forward(context.Background(), "/v1/messages", []byte(`{}`), false, nil); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotKey != "sk-test-anthropic" {
		t.Errorf("x-api-key = %q, want %q", gotKey, "sk-test-anthropic")
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("anthropic-version = %q, want 2023-06-01", gotVersion)
	}
}

func TestForward_UnsupportedPath(t *testing.T) {
	f := newTestForwarder("http://unused", "http://unused")
	_, err := f.Forward(context.Background(), "/v1/embeddings", []byte(`{}`), false, nil)
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("error = %v, want ErrUnsupportedProvider", err)
	}
}

func TestForward_StreamsSSE(t *testing.T) {
	const chunk1 = "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"
	const chunk2 = "data: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(chunk1))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(chunk2))
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), "/v1/chat/completions", []byte(`{"stream":true}`), true, rec)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !res.Streamed {
		t.Fatal("Streamed = false, want true")
	}
	if res.RawResponse != chunk1+chunk2 {
		t.Errorf("RawResponse = %q, want both chunks", res.RawResponse)
	}
	if rec.Body.String() != chunk1+chunk2 {
		t.Errorf("sink body = %q, want both chunks", rec.Body.String())
	}
	if rec.Code != http.StatusOK {
		t.Errorf("sink status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("sink Content-Type = %q, want text/event-stream", got)
	}
}

func TestForward_WantsStreamWithoutSSEContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"stream unsupported"}`))
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), "/v1/chat/completions", []byte(`{"stream":true}`), true, rec)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	// wantsStream plus a sink is enough; the proxy should not buffer a
	// response the client asked to stream.
	if !res.Streamed {
		t.Error("Streamed = false, want true")
	}
	if rec.Body.String() != `{"error":"stream unsupported"}` {
		t.Errorf("sink body = %q", rec.Body.String())
	}
}

func TestForward_EmptyStreamBodyFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	rec := httptest.NewRecorder()
	res, err := f.Forward(context.Background(), "/v1/chat/completions", []byte(`{}`), true, rec)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Streamed {
		t.Error("Streamed = true, want false for empty body")
	}
	if res.Status != http.StatusNoContent {
		t.Errorf("Status = %d, want %d", res.Status, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("sink body = %q, want empty", rec.Body.String())
	}
}

func TestForward_NilSinkBuffersSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	res, err := f.Forward(context.Background(), "/v1/chat/completions", []byte(`{"stream":true}`), true, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Streamed {
		t.Error("Streamed = true, want false with nil sink")
	}
	if res.RawResponse != "data: [DONE]\n\n" {
		t.Errorf("RawResponse = %q", res.RawResponse)
	}
}

func TestForward_UpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	if _, err := f.Forward(context.Background(), "/v1/chat/completions", []byte(`{}`), false, nil); err == nil {
		t.Error("Forward() error = nil, want connection error")
	}
}

func TestForward_UpstreamErrorStatusPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	f := newTestForwarder(srv.URL, srv.URL)
	res, err := f.Forward(context.Background(), "/v1/messages", []byte(`{}`), false, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", res.Status, http.StatusTooManyRequests)
	}
}

var _ HTTPClient = (*http.Client)(nil)

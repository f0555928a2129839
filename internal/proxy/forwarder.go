package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultOpenAIBaseURL is the default OpenAI API endpoint.
	DefaultOpenAIBaseURL = "https://api.openai.com"

	// DefaultAnthropicBaseURL is the default Anthropic API endpoint.
	DefaultAnthropicBaseURL = "https://api.anthropic.com"

	// anthropicAPIVersion is the pinned Anthropic API version header.
	anthropicAPIVersion = "2023-06-01"

	// DefaultUpstreamTimeout bounds one upstream call end to end.
	DefaultUpstreamTimeout = 120 * time.Second

	copyChunkSize = 32 * 1024
)

// ErrUnsupportedProvider is returned for paths that map to no upstream.
var ErrUnsupportedProvider = errors.New("unsupported provider path")

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ForwarderConfig configures the Forwarder.
type ForwarderConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	OpenAIBaseURL    string        // Optional: default https://api.openai.com
	AnthropicBaseURL string        // Optional: default https://api.anthropic.com
	Timeout          time.Duration // Optional: default 120s
	Client           HTTPClient    // Optional: default &http.Client{Timeout: Timeout}
}

// Forwarder relays request bodies to the upstream provider chosen by
// path. The request body is passed through verbatim; only auth headers
// are swapped in.
type Forwarder struct {
	client       HTTPClient
	openAIKey    string
	anthropicKey string
	openAIBase   string
	anthropicBase string
	logger       *zap.Logger
}

// NewForwarder creates a Forwarder from config, filling defaults.
func NewForwarder(cfg ForwarderConfig, logger *zap.Logger) *Forwarder {
	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = DefaultOpenAIBaseURL
	}
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = DefaultAnthropicBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultUpstreamTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Forwarder{
		client:        cfg.Client,
		openAIKey:     cfg.OpenAIKey,
		anthropicKey:  cfg.AnthropicKey,
		openAIBase:    cfg.OpenAIBaseURL,
		anthropicBase: cfg.AnthropicBaseURL,
		logger:        logger,
	}
}

// Result is the outcome of one upstream call.
//
// When Streamed is true the status, headers, and body chunks were
// already written to the sink during the call; RawResponse holds the
// accumulated body and LatencyMs the time to first byte. When false
// nothing was written and the caller relays the response itself;
// LatencyMs covers the full round trip.
type Result struct {
	Status      int
	Header      http.Header
	RawResponse string
	LatencyMs   int64
	Streamed    bool
}

// Forward sends body to the upstream selected by path and returns the
// response. wantsStream marks requests that asked for SSE in the body;
// sink, when non-nil, receives streamed responses chunk by chunk. A
// response is streamed only if it looks like an event stream (or the
// request asked for one), the upstream body is non-empty, and a sink was
// supplied. Otherwise the body is buffered into the Result.
func (f *Forwarder) Forward(ctx context.Context, path string, body []byte, wantsStream bool, sink http.ResponseWriter) (*Result, error) {
	url, applyAuth, err := f.route(path)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Forward: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Forward: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	streamable := sink != nil &&
		(strings.Contains(contentType, "text/event-stream") || wantsStream)

	if streamable {
		return f.stream(resp, sink, start)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Forward: read body: %w", err)
	}
	return &Result{
		Status:      resp.StatusCode,
		Header:      sanitizeHeader(resp.Header),
		RawResponse: string(data),
		LatencyMs:   time.Since(start).Milliseconds(),
	}, nil
}

// route maps a proxy path to its upstream URL and auth header setter.
func (f *Forwarder) route(path string) (string, func(http.Header), error) {
	switch path {
	case "/v1/chat/completions":
		return f.openAIBase + "/v1/chat/completions", func(h http.Header) {
			h.Set("Authorization", "Bearer "+f.openAIKey)
		}, nil
	case "/v1/messages":
		return f.anthropicBase + "/v1/messages", func(h http.Header) {
			h.Set("x-api-key", f.anthropicKey)
			h.Set("anthropic-version", anthropicAPIVersion)
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, path)
	}
}

// stream relays the upstream body chunk by chunk. Headers are flushed
// only after the first byte arrives; an upstream that returns an empty
// body falls back to the buffered path so the caller still controls the
// response.
func (f *Forwarder) stream(resp *http.Response, sink http.ResponseWriter, start time.Time) (*Result, error) {
	buf := make([]byte, copyChunkSize)
	n, readErr := resp.Body.Read(buf)
	if n == 0 {
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("Forward: read body: %w", readErr)
		}
		// Empty body — nothing to stream.
		return &Result{
			Status:    resp.StatusCode,
			Header:    sanitizeHeader(resp.Header),
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}

	firstByte := time.Now()
	header := sanitizeHeader(resp.Header)
	dst := sink.Header()
	for k, vs := range header {
		dst[k] = vs
	}
	sink.WriteHeader(resp.StatusCode)

	flusher, _ := sink.(http.Flusher)
	var raw strings.Builder
	clientGone := false

	for {
		if n > 0 {
			raw.Write(buf[:n])
			if !clientGone {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					// Client disconnected. Stop copying; analysis still
					// needs whatever the upstream already sent.
					f.logger.Debug("client disconnected mid-stream", zap.Error(werr))
					clientGone = true
					break
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				f.logger.Warn("upstream read failed mid-stream", zap.Error(readErr))
			}
			break
		}
		n, readErr = resp.Body.Read(buf)
	}

	return &Result{
		Status:      resp.StatusCode,
		Header:      header,
		RawResponse: raw.String(),
		LatencyMs:   firstByte.Sub(start).Milliseconds(),
		Streamed:    true,
	}, nil
}

// sanitizeHeader clones upstream headers minus hop-by-hop framing; the
// proxy re-frames the response itself.
func sanitizeHeader(src http.Header) http.Header {
	dst := src.Clone()
	dst.Del("Transfer-Encoding")
	return dst
}

package auth

import (
	"net/http/httptest"
	"testing"
)

func TestKeyFromRequest_Header(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("X-RedTeamingAI-Key", "rtai_abc123")

	if got := KeyFromRequest(r); got != "rtai_abc123" {
		t.Errorf("expected rtai_abc123, got %q", got)
	}
}

func TestKeyFromRequest_QueryFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?key=rtai_from_query", nil)

	if got := KeyFromRequest(r); got != "rtai_from_query" {
		t.Errorf("expected rtai_from_query, got %q", got)
	}
}

func TestKeyFromRequest_HeaderWinsOverQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?key=rtai_from_query", nil)
	r.Header.Set("X-RedTeamingAI-Key", "rtai_from_header")

	if got := KeyFromRequest(r); got != "rtai_from_header" {
		t.Errorf("header should win, got %q", got)
	}
}

func TestKeyFromRequest_Missing(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	if got := KeyFromRequest(r); got != "" {
		t.Errorf("expected empty key, got %q", got)
	}
}

package auth

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrMissingAPIKey   = errors.New("missing API key")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrTenantBlocked   = errors.New("tenant is blocked")
	ErrAuthUnavailable = errors.New("auth store unavailable")
)

// TenantContext holds the authenticated tenant's configuration.
type TenantContext struct {
	ID           string
	Name         string
	MonthlyLimit *int // nil means unlimited
}

// Authenticator validates an API key and returns tenant context.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*TenantContext, error)
}

// KeyFromRequest extracts the tenant API key from an HTTP request: the
// X-RedTeamingAI-Key header first, then the key query parameter. The
// query form exists for the WebSocket endpoint, where browser clients
// cannot set custom headers. Proxy requests may also carry the key in
// the JSON body; that fallback lives with the body parser, not here.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-RedTeamingAI-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TenantStore abstracts DB queries for testability.
type TenantStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*tenantRow, error)
}

type tenantRow struct {
	TenantID     string
	Name         string
	APIKeyHash   string
	MonthlyLimit sql.NullInt64
	Blocked      bool
}

// sqlTenantStore is the real implementation using *sql.DB.
type sqlTenantStore struct {
	db *sql.DB
}

func (s *sqlTenantStore) LookupByPrefix(ctx context.Context, prefix string) (*tenantRow, error) {
	row := &tenantRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, monthly_limit, blocked
		 FROM tenants
		 WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.TenantID, &row.Name, &row.APIKeyHash, &row.MonthlyLimit, &row.Blocked)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidAPIKey // No tenant with this prefix — reject, don't fail open
		}
		return nil, fmt.Errorf("sqlTenantStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the tenants table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the
// hot path. Auth failures always return an error — analysis never runs
// without valid auth, and an invalid key is never served from cache.
type PostgresAuthenticator struct {
	store  TenantStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlTenantStore{db: cfg.DB},
		cache:  NewAuthCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore creates an authenticator with an injected store (for testing).
func newPostgresAuthenticatorWithStore(store TenantStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the API key against the database.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately (sub-microsecond)
//     - Stale hit: return stale tenant, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. On DB error: return ErrAuthUnavailable so the caller can map it to
//     a 503 instead of rejecting the key as invalid.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*TenantContext, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	// 1. Cache lookup
	result := a.cache.Get(apiKey)

	if result.Hit {
		// Stale hit — kick off background refresh, return stale value immediately
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Tenant, nil
	}

	// 2. Cache miss — do full lookup synchronously
	tenant, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(apiKey, tenant)
	return tenant, nil
}

// backgroundRefresh performs the DB + bcrypt lookup in a background goroutine.
// Errors are logged but don't affect the caller (they already got the stale value).
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tenant, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background cache refresh failed",
			zap.Error(err),
		)
		// Don't update cache — drop the entry so the next use retries
		// synchronously. A revoked or blocked key must not outlive the TTL.
		a.cache.Delete(apiKey)
		return
	}

	a.cache.Set(apiKey, tenant)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*TenantContext, error) {
	// api_key_prefix is the first 10 chars (e.g. "rtai_3fa9c")
	if len(apiKey) < 10 {
		return nil, ErrInvalidAPIKey
	}
	prefix := apiKey[:10]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}

	// bcrypt verify
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	if row.Blocked {
		return nil, ErrTenantBlocked
	}

	var limit *int
	if row.MonthlyLimit.Valid {
		n := int(row.MonthlyLimit.Int64)
		limit = &n
	}

	return &TenantContext{
		ID:           row.TenantID,
		Name:         row.Name,
		MonthlyLimit: limit,
	}, nil
}

// handleLookupError separates key rejection from store outage.
func (a *PostgresAuthenticator) handleLookupError(lookupErr error) (*TenantContext, error) {
	if errors.Is(lookupErr, ErrInvalidAPIKey) {
		return nil, ErrInvalidAPIKey
	}
	if errors.Is(lookupErr, ErrTenantBlocked) {
		return nil, ErrTenantBlocked
	}

	// DB error (timeout, connection refused, etc.) — return unavailable
	a.logger.Warn("auth DB unreachable",
		zap.Error(lookupErr),
	)
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}

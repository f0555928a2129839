package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Tenant is a customer account. API keys are stored as bcrypt hashes;
// the plaintext key is returned exactly once, at creation or rotation.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	MonthlyLimit *int      `json:"monthly_limit"`
	Blocked      bool      `json:"blocked"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerateAPIKey creates a tenant API key. Returns the full key (shown
// once to the caller), its bcrypt hash, and the lookup prefix.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	key = "rtai_" + hex.EncodeToString(raw)
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	prefix = key[:10] // "rtai_" + first 5 hex chars
	return key, string(hashed), prefix, nil
}

// CreateTenant provisions a tenant with a fresh API key. The plaintext
// key is returned alongside the tenant and never persisted.
func (s *Store) CreateTenant(ctx context.Context, name string, monthlyLimit *int) (*Tenant, string, error) {
	key, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateTenant: %w", err)
	}

	t := &Tenant{
		ID:           uuid.NewString(),
		Name:         name,
		APIKeyPrefix: prefix,
		MonthlyLimit: monthlyLimit,
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name, api_key_hash, api_key_prefix, monthly_limit)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		t.ID, t.Name, hash, prefix, monthlyLimit,
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateTenant: %w", err)
	}
	return t, key, nil
}

// GetTenant fetches a tenant by id. Returns (nil, nil) when absent.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_prefix, monthly_limit, blocked, created_at
		FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.APIKeyPrefix, &t.MonthlyLimit, &t.Blocked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetTenant: %w", err)
	}
	return &t, nil
}

// RotateTenantKey replaces a tenant's API key, invalidating the old one.
// Returns the updated tenant and the new plaintext key.
func (s *Store) RotateTenantKey(ctx context.Context, id string) (*Tenant, string, error) {
	key, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateTenantKey: %w", err)
	}

	var t Tenant
	err = s.db.QueryRowContext(ctx, `
		UPDATE tenants SET api_key_hash = $2, api_key_prefix = $3
		WHERE id = $1
		RETURNING id, name, api_key_prefix, monthly_limit, blocked, created_at`,
		id, hash, prefix,
	).Scan(&t.ID, &t.Name, &t.APIKeyPrefix, &t.MonthlyLimit, &t.Blocked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateTenantKey: %w", err)
	}
	return &t, key, nil
}

// SetTenantBlocked toggles the tenant-wide kill switch. Blocked tenants
// fail authentication on every request.
func (s *Store) SetTenantBlocked(ctx context.Context, id string, blocked bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET blocked = $2 WHERE id = $1`, id, blocked)
	if err != nil {
		return fmt.Errorf("SetTenantBlocked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetTenantBlocked: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountEventsInMonth counts a tenant's events in the current calendar
// month, using the database clock as the authority.
func (s *Store) CountEventsInMonth(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM events
		WHERE tenant_id = $1 AND timestamp >= date_trunc('month', now())`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountEventsInMonth: %w", err)
	}
	return n, nil
}

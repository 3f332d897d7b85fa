// Package suppression maintains the unsubscribe list: addresses that must
// never receive campaign email again. Lookups are case-insensitive and
// scoped to a tenant; a single-tenant installation uses the empty tenant.
package suppression

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Unsubscribe is one opted-out address
type Unsubscribe struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Email     string     `json:"email" db:"email"`
	TenantID  string     `json:"tenant_id,omitempty" db:"tenant_id"`
	Reason    string     `json:"reason" db:"reason"`
	IP        string     `json:"ip,omitempty" db:"ip"`
	UserAgent string     `json:"user_agent,omitempty" db:"user_agent"`
	SendID    *uuid.UUID `json:"send_id" db:"send_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Store provides Postgres persistence for the unsubscribe list. Every
// operation takes the tenant explicitly; nothing here resolves a tenant
// on its own.
type Store struct {
	db *sql.DB
}

// NewStore creates an unsubscribe store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// IsUnsubscribed reports whether the address has opted out of the tenant's
// email
func (s *Store) IsUnsubscribed(ctx context.Context, email, tenant string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_unsubscribes WHERE email = LOWER($1) AND tenant_id = $2)`,
		email, tenant).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unsubscribe: %w", err)
	}
	return exists, nil
}

// Add records an opt-out. Idempotent: repeating an unsubscribe is a
// success, not a conflict. Returns true when the address was already on
// the list.
func (s *Store) Add(ctx context.Context, u *Unsubscribe) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO email_unsubscribes (id, email, tenant_id, reason, ip, user_agent, send_id, created_at)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (email, tenant_id) DO NOTHING`,
		uuid.New(), u.Email, u.TenantID, u.Reason, u.IP, u.UserAgent, u.SendID)
	if err != nil {
		return false, fmt.Errorf("failed to add unsubscribe: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 0, nil
}

// Remove takes an address off the list. Used by admins for mistaken
// opt-outs; the address becomes reachable by future campaigns again.
func (s *Store) Remove(ctx context.Context, email, tenant string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM email_unsubscribes WHERE email = LOWER($1) AND tenant_id = $2`,
		email, tenant)
	if err != nil {
		return fmt.Errorf("failed to remove unsubscribe: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%s is not on the unsubscribe list", strings.ToLower(email))
	}
	return nil
}

// List returns a tenant's unsubscribes newest first
func (s *Store) List(ctx context.Context, tenant string, limit, offset int) ([]Unsubscribe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, tenant_id, COALESCE(reason, ''), COALESCE(ip, ''),
		       COALESCE(user_agent, ''), send_id, created_at
		FROM email_unsubscribes
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, tenant, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsubscribes: %w", err)
	}
	defer rows.Close()

	var unsubs []Unsubscribe
	for rows.Next() {
		var u Unsubscribe
		if err := rows.Scan(&u.ID, &u.Email, &u.TenantID, &u.Reason, &u.IP,
			&u.UserAgent, &u.SendID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unsubscribe: %w", err)
		}
		unsubs = append(unsubs, u)
	}
	return unsubs, rows.Err()
}

// Count returns the size of a tenant's unsubscribe list
func (s *Store) Count(ctx context.Context, tenant string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_unsubscribes WHERE tenant_id = $1`, tenant).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsubscribes: %w", err)
	}
	return n, nil
}

// TenantList binds a Store to one tenant. The filter, executor and
// tracking handler all operate inside a single tenant; this is the narrow
// view they get.
type TenantList struct {
	store  *Store
	tenant string
}

// NewTenantList scopes the store to a tenant
func NewTenantList(store *Store, tenant string) *TenantList {
	return &TenantList{store: store, tenant: tenant}
}

// IsUnsubscribed reports whether the address has opted out
func (l *TenantList) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	return l.store.IsUnsubscribed(ctx, email, l.tenant)
}

// Add records an opt-out with its provenance
func (l *TenantList) Add(ctx context.Context, email, reason, ip, userAgent string, sendID *uuid.UUID) (bool, error) {
	return l.store.Add(ctx, &Unsubscribe{
		Email:     email,
		TenantID:  l.tenant,
		Reason:    reason,
		IP:        ip,
		UserAgent: userAgent,
		SendID:    sendID,
	})
}

// Remove takes an address off the list
func (l *TenantList) Remove(ctx context.Context, email string) error {
	return l.store.Remove(ctx, email, l.tenant)
}

// List returns the tenant's unsubscribes newest first
func (l *TenantList) List(ctx context.Context, limit, offset int) ([]Unsubscribe, error) {
	return l.store.List(ctx, l.tenant, limit, offset)
}

// Count returns the size of the tenant's list
func (l *TenantList) Count(ctx context.Context) (int, error) {
	return l.store.Count(ctx, l.tenant)
}

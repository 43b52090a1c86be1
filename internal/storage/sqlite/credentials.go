//go:build sqlite

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"extlogin/internal/domain"
	"extlogin/internal/storage"
)

const credentialColumns = `id, tenant, provider, client_id, client_secret_encrypted, enabled, created_at, updated_at`

// CreateCredential stores a new tenant credential.
func (s *Store) CreateCredential(ctx context.Context, c *domain.TenantCredential) error {
	if c == nil || c.ID == "" || c.Tenant == "" || c.Provider == "" || c.ClientID == "" {
		return storage.ErrValidation
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Tenant, c.Provider, c.ClientID, c.ClientSecretEncrypted,
		boolToInt(c.Enabled),
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return storage.WrapIfConflict(err)
}

// GetCredential retrieves a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*domain.TenantCredential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM tenant_credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// GetCredentialByTenant retrieves the credential for a provider and tenant.
func (s *Store) GetCredentialByTenant(ctx context.Context, provider, tenant string) (*domain.TenantCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM tenant_credentials WHERE provider = ? AND tenant = ?`, provider, tenant)
	return scanCredential(row)
}

// ListCredentials returns all credentials ordered by provider and tenant.
func (s *Store) ListCredentials(ctx context.Context) ([]*domain.TenantCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM tenant_credentials ORDER BY provider, tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*domain.TenantCredential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredential replaces the mutable fields of a credential.
func (s *Store) UpdateCredential(ctx context.Context, c *domain.TenantCredential) error {
	if c == nil || c.ID == "" || c.ClientID == "" {
		return storage.ErrValidation
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_credentials SET client_id = ?, client_secret_encrypted = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		c.ClientID, c.ClientSecretEncrypted, boolToInt(c.Enabled), c.UpdatedAt.UTC().Format(time.RFC3339), c.ID,
	)
	if err != nil {
		return storage.WrapIfConflict(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteCredential removes a credential by ID.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenant_credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*domain.TenantCredential, error) {
	var c domain.TenantCredential
	var enabled int
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.Tenant, &c.Provider, &c.ClientID, &c.ClientSecretEncrypted,
		&enabled, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	c.Enabled = enabled == 1
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

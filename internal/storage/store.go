// Package storage defines credential persistence for extlogin with an
// in-memory implementation. SQLite and PostgreSQL backends live in
// subpackages behind the sqlite and postgres build tags.
package storage

import (
	"context"

	"extlogin/internal/domain"
)

// CredentialStore persists tenant client credentials.
type CredentialStore interface {
	// CreateCredential stores a new credential. ID must be set by the caller.
	CreateCredential(ctx context.Context, c *domain.TenantCredential) error

	// GetCredential retrieves a credential by ID.
	GetCredential(ctx context.Context, id string) (*domain.TenantCredential, error)

	// GetCredentialByTenant retrieves the credential for a provider and tenant.
	GetCredentialByTenant(ctx context.Context, provider, tenant string) (*domain.TenantCredential, error)

	// ListCredentials returns all credentials ordered by provider, then tenant.
	ListCredentials(ctx context.Context) ([]*domain.TenantCredential, error)

	// UpdateCredential replaces a credential's mutable fields.
	UpdateCredential(ctx context.Context, c *domain.TenantCredential) error

	// DeleteCredential removes a credential by ID.
	DeleteCredential(ctx context.Context, id string) error
}

// Store is a CredentialStore owning an underlying connection.
type Store interface {
	CredentialStore
	Close() error
}

// AppVersion is recorded in schema_info by the SQL backends. Set at startup.
var AppVersion = "dev"

package storage

import (
	"context"
	"sort"
	"sync"

	"extlogin/internal/domain"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*domain.TenantCredential // keyed by ID
	tenantIndex map[tenantKey]string                // (provider, tenant) -> ID
}

type tenantKey struct {
	provider string
	tenant   string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*domain.TenantCredential),
		tenantIndex: make(map[tenantKey]string),
	}
}

func validCredential(c *domain.TenantCredential) bool {
	return c != nil && c.ID != "" && c.Tenant != "" && c.Provider != "" && c.ClientID != ""
}

func (s *MemoryStore) CreateCredential(_ context.Context, c *domain.TenantCredential) error {
	if !validCredential(c) {
		return ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[c.ID]; exists {
		return ErrConflict
	}
	key := tenantKey{c.Provider, c.Tenant}
	if _, exists := s.tenantIndex[key]; exists {
		return ErrDuplicateTenant
	}

	cpy := *c
	s.credentials[c.ID] = &cpy
	s.tenantIndex[key] = c.ID
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id string) (*domain.TenantCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.credentials[id]
	if !exists {
		return nil, ErrNotFound
	}
	cpy := *c
	return &cpy, nil
}

func (s *MemoryStore) GetCredentialByTenant(_ context.Context, provider, tenant string) (*domain.TenantCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.tenantIndex[tenantKey{provider, tenant}]
	if !exists {
		return nil, ErrNotFound
	}
	cpy := *s.credentials[id]
	return &cpy, nil
}

func (s *MemoryStore) ListCredentials(_ context.Context) ([]*domain.TenantCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.TenantCredential, 0, len(s.credentials))
	for _, c := range s.credentials {
		cpy := *c
		result = append(result, &cpy)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Provider != result[j].Provider {
			return result[i].Provider < result[j].Provider
		}
		return result[i].Tenant < result[j].Tenant
	})
	return result, nil
}

// UpdateCredential replaces client ID, sealed secret, enabled flag and
// UpdatedAt. Tenant and provider are immutable.
func (s *MemoryStore) UpdateCredential(_ context.Context, c *domain.TenantCredential) error {
	if c == nil || c.ID == "" || c.ClientID == "" {
		return ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.credentials[c.ID]
	if !exists {
		return ErrNotFound
	}
	existing.ClientID = c.ClientID
	existing.ClientSecretEncrypted = c.ClientSecretEncrypted
	existing.Enabled = c.Enabled
	existing.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.credentials[id]
	if !exists {
		return ErrNotFound
	}
	delete(s.tenantIndex, tenantKey{c.Provider, c.Tenant})
	delete(s.credentials, id)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Stats reports an empty pool.
func (s *MemoryStore) Stats() *DBStats { return &DBStats{} }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

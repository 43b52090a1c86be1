package oauth

import (
	"context"
	"sync"
	"time"
)

// NonceStore records nonces that have completed a callback so a captured
// state cannot be replayed while it is still unexpired.
type NonceStore interface {
	// Consume marks nonce as used until expiresAt. It returns false when the
	// nonce was already consumed.
	Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// MemoryNonceStore is an in-process NonceStore. Multi-instance deployments
// rely on the per-attempt correlation cookie instead.
type MemoryNonceStore struct {
	mu        sync.Mutex
	used      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

const nonceSweepInterval = time.Minute

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		used: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (s *MemoryNonceStore) Consume(_ context.Context, nonce string, expiresAt time.Time) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > nonceSweepInterval {
		for n, exp := range s.used {
			if now.After(exp) {
				delete(s.used, n)
			}
		}
		s.lastSweep = now
	}

	if exp, seen := s.used[nonce]; seen && !now.After(exp) {
		return false, nil
	}
	s.used[nonce] = expiresAt
	return true, nil
}

// Len returns the number of tracked nonces.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pjmoura/bancoledger/internal/domain"
)

// IdempotencyStore maps a caller-generated key to the outcome of its
// transfer, for at least the retry window. Reserve claims the key before the
// transfer runs so a concurrent duplicate cannot double-apply: it returns
// the stored transaction on replay, nil when the key was newly claimed, and
// domain.ErrIdemInProgress while a first attempt is still running.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (*domain.Transaction, error)
	Complete(ctx context.Context, key string, tx *domain.Transaction) error
	Release(ctx context.Context, key string) error
}

type idemEntry struct {
	tx        *domain.Transaction
	expiresAt time.Time
}

// MemoryIdempotency keeps reservations in process memory with a TTL sweep on
// access. Suitable for the in-memory store backend and tests.
type MemoryIdempotency struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*idemEntry
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{
		ttl:     ttl,
		entries: make(map[string]*idemEntry),
	}
}

func (s *MemoryIdempotency) Reserve(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && time.Now().Before(e.expiresAt) {
		if e.tx == nil {
			return nil, domain.ErrIdemInProgress
		}
		return e.tx, nil
	}
	s.entries[key] = &idemEntry{expiresAt: time.Now().Add(s.ttl)}
	return nil, nil
}

func (s *MemoryIdempotency) Complete(_ context.Context, key string, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &idemEntry{tx: tx, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryIdempotency) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

package memory

import (
	"context"
	"sync"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
)

// MemoryTokenRepository stores link tokens in process memory. Long-dead
// tokens are swept lazily on write so the map cannot grow without bound.
type MemoryTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]*domain.LinkToken
}

func NewMemoryTokenRepository() ports.TokenRepository {
	return &MemoryTokenRepository{
		tokens: make(map[string]*domain.LinkToken),
	}
}

func (m *MemoryTokenRepository) Save(ctx context.Context, token *domain.LinkToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Sweep tokens a minute past expiry; recently expired ones stay
	// readable so lookups report expiry rather than absence.
	cutoff := time.Now().Add(-time.Minute)
	for k, t := range m.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(m.tokens, k)
		}
	}

	copied := *token
	m.tokens[token.Token] = &copied
	return nil
}

func (m *MemoryTokenRepository) Get(ctx context.Context, token string) (*domain.LinkToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[token]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	copied := *t
	return &copied, nil
}

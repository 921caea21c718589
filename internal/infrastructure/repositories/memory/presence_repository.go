package memory

import (
	"context"
	"sync"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
)

// MemoryPresenceRepository is the in-process fallback presence registry,
// used for single-node deployments and tests. Semantics mirror the Redis
// implementation: idempotent marking, a count that tracks the entry set,
// never negative.
type MemoryPresenceRepository struct {
	mu    sync.RWMutex
	users map[domain.UserID]*userPresence
}

type userPresence struct {
	entries map[string]domain.LiveEntry
	count   int64
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		users: make(map[domain.UserID]*userPresence),
	}
}

func memField(client domain.ClientID, nodeID string) string {
	return string(client) + "\x1f" + nodeID
}

func (m *MemoryPresenceRepository) MarkLive(ctx context.Context, user domain.UserID, client domain.ClientID, node domain.NodeIdentity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.users[user]
	if !ok {
		up = &userPresence{entries: make(map[string]domain.LiveEntry)}
		m.users[user] = up
	}

	field := memField(client, node.NodeID)
	if _, exists := up.entries[field]; exists {
		return false, nil
	}

	up.entries[field] = domain.LiveEntry{
		Client:  client,
		Address: node.Address,
		Port:    node.Port,
		NodeID:  node.NodeID,
	}
	up.count++
	return up.count == 1, nil
}

func (m *MemoryPresenceRepository) MarkOffline(ctx context.Context, user domain.UserID, client domain.ClientID, nodeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.users[user]
	if !ok {
		return false, nil
	}

	field := memField(client, nodeID)
	if _, exists := up.entries[field]; !exists {
		return false, nil
	}

	delete(up.entries, field)
	up.count--
	if up.count < 0 {
		up.count = 0
	}
	if up.count == 0 {
		delete(m.users, user)
		return true, nil
	}
	return false, nil
}

func (m *MemoryPresenceRepository) Lookup(ctx context.Context, user domain.UserID, client domain.ClientID) ([]domain.LiveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	up, ok := m.users[user]
	if !ok {
		return nil, nil
	}

	var entries []domain.LiveEntry
	for _, entry := range up.entries {
		if client != "" && entry.Client != client {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *MemoryPresenceRepository) IsActive(ctx context.Context, user domain.UserID, client domain.ClientID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	up, ok := m.users[user]
	if !ok {
		return false, nil
	}
	if client == "" {
		return up.count > 0, nil
	}
	for _, entry := range up.entries {
		if entry.Client == client {
			return true, nil
		}
	}
	return false, nil
}

// Count exposes the cached counter for one user, for tests.
func (m *MemoryPresenceRepository) Count(user domain.UserID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if up, ok := m.users[user]; ok {
		return up.count
	}
	return 0
}

package conntable

import (
	"hash/fnv"
	"sync"

	"wiregate/internal/core/domain"
)

const shardCount = 16

// Handle is one live local connection that can accept delivered events.
type Handle interface {
	Send(ev *domain.Event) error
}

// Table is the per-process index from (user, client) to live connection
// handles. It is sharded by user so deliveries and registrations for
// unrelated users never contend on the same lock.
type Table struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.RWMutex
	users map[domain.UserID]map[domain.ClientID]map[Handle]struct{}
}

// New creates an empty connection table.
func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].users = make(map[domain.UserID]map[domain.ClientID]map[Handle]struct{})
	}
	return t
}

func (t *Table) shard(user domain.UserID) *shard {
	h := fnv.New32a()
	h.Write([]byte(user))
	return &t.shards[h.Sum32()%shardCount]
}

// Register adds a handle under (user, client).
func (t *Table) Register(user domain.UserID, client domain.ClientID, h Handle) {
	s := t.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	clients, ok := s.users[user]
	if !ok {
		clients = make(map[domain.ClientID]map[Handle]struct{})
		s.users[user] = clients
	}
	handles, ok := clients[client]
	if !ok {
		handles = make(map[Handle]struct{})
		clients[client] = handles
	}
	handles[h] = struct{}{}
}

// Unregister removes a handle; empty maps are pruned so lookups stay cheap.
func (t *Table) Unregister(user domain.UserID, client domain.ClientID, h Handle) {
	s := t.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	clients, ok := s.users[user]
	if !ok {
		return
	}
	handles, ok := clients[client]
	if !ok {
		return
	}
	delete(handles, h)
	if len(handles) == 0 {
		delete(clients, client)
	}
	if len(clients) == 0 {
		delete(s.users, user)
	}
}

// Deliver sends the event to every handle under (user, client), or to
// every handle of every client of the user when the event names no
// client. Returns whether at least one handle accepted the payload.
func (t *Table) Deliver(ev *domain.Event) bool {
	s := t.shard(ev.User)

	// Collect handles under the read lock, send outside it so a slow
	// socket never blocks other registrations on the shard.
	s.mu.RLock()
	var targets []Handle
	if clients, ok := s.users[ev.User]; ok {
		if ev.Client != "" {
			for h := range clients[ev.Client] {
				targets = append(targets, h)
			}
		} else {
			for _, handles := range clients {
				for h := range handles {
					targets = append(targets, h)
				}
			}
		}
	}
	s.mu.RUnlock()

	delivered := false
	for _, h := range targets {
		if err := h.Send(ev); err == nil {
			delivered = true
		}
	}
	return delivered
}

// HasLocal reports whether any live handle exists for (user, client);
// an empty client checks the whole user.
func (t *Table) HasLocal(user domain.UserID, client domain.ClientID) bool {
	s := t.shard(user)
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients, ok := s.users[user]
	if !ok {
		return false
	}
	if client == "" {
		return len(clients) > 0
	}
	return len(clients[client]) > 0
}

// Len returns the total number of registered handles, for metrics.
func (t *Table) Len() int {
	total := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, clients := range s.users {
			for _, handles := range clients {
				total += len(handles)
			}
		}
		s.mu.RUnlock()
	}
	return total
}

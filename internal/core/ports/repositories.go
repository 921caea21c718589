package ports

import (
	"context"

	"wiregate/internal/core/domain"
)

// PresenceRepository is the shared directory of live connections. All
// mutations keep the cached count in step with the live list; observed
// drift is repaired in place before the call returns.
type PresenceRepository interface {
	// MarkLive records a live connection for (user, client) on the given
	// node. Idempotent: re-marking an already-live pair neither duplicates
	// the entry nor double-increments the count. wasOffline is true when
	// this was the user's first live entry anywhere.
	MarkLive(ctx context.Context, user domain.UserID, client domain.ClientID, node domain.NodeIdentity) (wasOffline bool, err error)

	// MarkOffline removes the entry matching (client, nodeID). Matching by
	// nodeID keeps a crashed node's stale entry from removing a live entry
	// re-registered through a different node. Removing an absent entry is
	// a no-op and never drives the count below zero. nowOffline is true
	// when the user's last live entry was just removed.
	MarkOffline(ctx context.Context, user domain.UserID, client domain.ClientID, nodeID string) (nowOffline bool, err error)

	// Lookup returns the user's live entries, narrowed to one client when
	// client is non-empty.
	Lookup(ctx context.Context, user domain.UserID, client domain.ClientID) ([]domain.LiveEntry, error)

	// IsActive is a cheap existence check; the user-only form reads the
	// cached count rather than the live list.
	IsActive(ctx context.Context, user domain.UserID, client domain.ClientID) (bool, error)
}

// TokenRepository stores link tokens for the broker. Records are written
// once and read many times; expiry is enforced by the broker, not here.
type TokenRepository interface {
	Save(ctx context.Context, token *domain.LinkToken) error
	// Get returns domain.ErrTokenNotFound for never-issued tokens.
	Get(ctx context.Context, token string) (*domain.LinkToken, error)
}

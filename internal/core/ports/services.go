package ports

import (
	"context"
	"encoding/json"

	"wiregate/internal/core/domain"
)

// Deliverer hands a payload to live local connections.
type Deliverer interface {
	// Deliver returns whether at least one local handle received the event.
	Deliver(ev *domain.Event) bool
}

// RemoteSender sends events toward one remote node over its live link.
type RemoteSender interface {
	SendEvent(ev *domain.Event) error
}

// LinkProvider resolves a live entry to a sender for the node holding it,
// opening or reusing the underlying node link.
type LinkProvider interface {
	Remote(ctx context.Context, entry domain.LiveEntry) (RemoteSender, error)
}

// LiveProber locates nodes hosting a target by asking open links
// directly, bypassing the shared store. Providers that can probe
// implement it alongside LinkProvider.
type LiveProber interface {
	// ProbeLive returns a sender for every open link whose node answered
	// that the target is live there. Links that fail to answer in time
	// are skipped.
	ProbeLive(ctx context.Context, user domain.UserID, client domain.ClientID) []RemoteSender
}

// Router delivers an event to every live connection of its target,
// locally and across the backplane.
type Router interface {
	// SendEvent reports best-effort delivery: true means a live receiver
	// was reachable locally or on at least one remote node. A non-nil
	// error with delivered=true means local delivery stood while the
	// shared store was unreachable.
	SendEvent(ctx context.Context, ev *domain.Event) (delivered bool, err error)
}

// Broker manages link tokens and relays signaling payloads between the
// two parties a token names.
type Broker interface {
	// CreateLink issues a token for initiator->target and forwards the
	// offer to the target as an init signal.
	CreateLink(ctx context.Context, initiator domain.Identity, target domain.UserID, offer json.RawMessage) (string, error)

	// Relay forwards a payload to the non-sending side of the token's
	// pair. Unknown or expired tokens fail with domain.ErrForbidden,
	// malformed payloads with domain.ErrInvalidPayload, unreachable
	// counterparts with domain.ErrTargetOffline.
	Relay(ctx context.Context, sender domain.Identity, token string, payload json.RawMessage) error
}

// SessionResolver is the external identity collaborator. The core trusts
// its output as-is and never re-validates credentials.
type SessionResolver interface {
	// Resolve maps connection metadata to a session. An empty credential
	// yields an anonymous (guest) session, not an error.
	Resolve(credential string) (*domain.Session, error)
}

package domain

import "time"

// LinkTokenLength is the fixed hex length of an issued link token.
const LinkTokenLength = 32

// LinkTokenTTL bounds the lifetime of a signaling session.
const LinkTokenTTL = 20 * time.Minute

// LinkToken authorizes exactly two parties to exchange peer-connection
// signaling payloads. The record is written once at issue time and never
// mutated: both directions of a session reuse it for its whole lifetime.
type LinkToken struct {
	Token     string    `json:"token"`
	Initiator Identity  `json:"initiator"`
	Target    Identity  `json:"target"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *LinkToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// matches reports whether the sender is the given party. A party recorded
// without a client matches any client of that user.
func matches(party, sender Identity) bool {
	if party.User != sender.User {
		return false
	}
	return party.Client == "" || party.Client == sender.Client
}

// Counterpart returns the non-sending side of the recorded pair. ok is
// false when the sender is neither party, which callers must treat as an
// authorization failure.
func (t *LinkToken) Counterpart(sender Identity) (Identity, bool) {
	switch {
	case matches(t.Initiator, sender):
		return t.Target, true
	case matches(t.Target, sender):
		return t.Initiator, true
	default:
		return Identity{}, false
	}
}

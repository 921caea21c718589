package domain

type UserID string

type ClientID string

// Identity names one authenticated endpoint: a user plus the client
// (device/app instance) they connected from. A zero Client means
// "any client of the user".
type Identity struct {
	User   UserID   `json:"user"`
	Client ClientID `json:"client,omitempty"`
}

// Session is the output of the identity resolver. Guest connections
// carry LoggedIn=false and are excluded from presence tracking.
type Session struct {
	User     UserID
	Client   ClientID
	LoggedIn bool
	Domestic bool
}

// NodeIdentity identifies one running gateway process. NodeID is freshly
// generated at startup, not derived from address:port, so a restarted
// process reusing the same endpoint is distinguishable from the process
// that died there before its records are cleaned up.
type NodeIdentity struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	NodeID  string `json:"node_id"`
}

// SameEndpoint reports whether another node advertises the same host:port.
func (n NodeIdentity) SameEndpoint(other NodeIdentity) bool {
	return n.Address == other.Address && n.Port == other.Port
}

// LiveEntry records one live connection location inside a PresenceRecord.
type LiveEntry struct {
	Client  ClientID `json:"client"`
	Address string   `json:"address"`
	Port    int      `json:"port"`
	NodeID  string   `json:"node_id"`
}

// PresenceRecord is the shared-store view of everywhere a user is
// connected. Count caches len(Live) and is maintained by atomic
// increment/decrement; a record with Count 0 and a missing record both
// mean "fully offline".
type PresenceRecord struct {
	User  UserID      `json:"user"`
	Live  []LiveEntry `json:"live"`
	Count int64       `json:"count"`
}

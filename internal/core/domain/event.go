package domain

import "encoding/json"

// EventKind distinguishes plain application events from peer-signaling
// payloads; both travel the same routing path.
type EventKind string

const (
	EventKindPlain EventKind = "event"
	EventKindPeer  EventKind = "peer"
)

// Event is an application payload addressed to a user, optionally narrowed
// to a single client. An empty Client fans out to every live client of the
// user. Delivery is fire-and-forget: the router reports whether a live
// receiver was reachable, never whether the receiver processed it.
type Event struct {
	User    UserID          `json:"user"`
	Client  ClientID        `json:"client,omitempty"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// SignalPayload carries the peer-signaling fields a relay message may hold.
// Fields are optional and independently actionable: one message may carry
// an SDP, ICE candidates and a renegotiate flag at once.
type SignalPayload struct {
	Token         string          `json:"token,omitempty"`
	SDP           json.RawMessage `json:"sdp,omitempty"`
	ICE           json.RawMessage `json:"ice,omitempty"`
	Renegotiate   bool            `json:"renegotiate,omitempty"`
	RemoveStreams []int           `json:"remove_streams,omitempty"`
}

// InitSignal is the first message a link target receives: the token that
// authorizes the session plus the initiator's offer.
type InitSignal struct {
	Type  string          `json:"type"`
	Token string          `json:"token"`
	From  Identity        `json:"from"`
	SDP   json.RawMessage `json:"sdp"`
}

// RelaySignal wraps a relayed payload with the sending side's identity so
// the receiver can attribute it without trusting the payload body.
type RelaySignal struct {
	Type    string          `json:"type"`
	Token   string          `json:"token"`
	From    Identity        `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

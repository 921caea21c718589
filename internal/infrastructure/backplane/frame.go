package backplane

import (
	"encoding/json"

	"wiregate/internal/core/domain"
)

// FrameType enumerates the node-to-node wire messages.
type FrameType string

const (
	// FrameOpen is exchanged once per link establishment and carries the
	// dialer's node identity and fortune for collision resolution.
	FrameOpen FrameType = "open"
	// FrameEvent delivers an application event to the remote node's
	// local connection table.
	FrameEvent FrameType = "event"
	// FramePeer is the peer-signaling flavor of FrameEvent.
	FramePeer FrameType = "peer"
	// FrameLive is a presence-status request/reply, paired by Seq.
	FrameLive FrameType = "live"
)

// Frame is one discrete message on a node link.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`      // sending node's nodeID
	Fortune uint64          `json:"fortune,omitempty"` // open frames only
	Seq     uint64          `json:"seq,omitempty"`     // live request/reply correlation
	Reply   bool            `json:"reply,omitempty"`
	Active  bool            `json:"active,omitempty"` // live reply body
	User    domain.UserID   `json:"user,omitempty"`
	Client  domain.ClientID `json:"client,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// eventFrame wraps a routed event for the wire.
func eventFrame(selfID string, ev *domain.Event) *Frame {
	ft := FrameEvent
	if ev.Kind == domain.EventKindPeer {
		ft = FramePeer
	}
	return &Frame{
		Type:    ft,
		ID:      selfID,
		User:    ev.User,
		Client:  ev.Client,
		Payload: ev.Payload,
	}
}

// frameEvent converts a received event/peer frame back to a domain event.
func frameEvent(f *Frame) *domain.Event {
	kind := domain.EventKindPlain
	if f.Type == FramePeer {
		kind = domain.EventKindPeer
	}
	return &domain.Event{
		User:    f.User,
		Client:  f.Client,
		Kind:    kind,
		Payload: f.Payload,
	}
}

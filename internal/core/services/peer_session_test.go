package services

import (
	"errors"
	"testing"

	"wiregate/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sdpOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}
}

func sdpAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- 2 2 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}
}

func newSession(t *testing.T) *PeerSession {
	p := NewPeerSession(
		domain.Identity{User: "alice", Client: "laptop"},
		domain.Identity{User: "bob", Client: "phone"},
		"0123456789abcdef0123456789abcdef",
		zaptest.NewLogger(t).Sugar(),
	)
	p.Start()
	return p
}

func TestPeerSession_OfferFlow(t *testing.T) {
	p := newSession(t)
	assert.Equal(t, PhaseIdle, p.Phase())

	var connected []interface{}
	p.Subscribe(TopicConnected, func(v interface{}) { connected = append(connected, v) })

	id, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)
	assert.Equal(t, PhaseOffering, p.Phase())
	assert.Equal(t, id, p.ActiveTransport())

	answered, err := p.HandleAnswer("conn-1", sdpAnswer())
	require.NoError(t, err)
	assert.Equal(t, id, answered)

	require.NoError(t, p.TransportUp(id))
	assert.Equal(t, PhaseConnected, p.Phase())
	require.Len(t, connected, 1)
	assert.Equal(t, id, connected[0])
}

func TestPeerSession_AnswerFlow(t *testing.T) {
	p := newSession(t)

	id, err := p.HandleOffer("conn-1", sdpOffer())
	require.NoError(t, err)
	assert.Equal(t, PhaseAnswering, p.Phase())

	require.NoError(t, p.SetLocalAnswer(id, sdpAnswer()))
	require.NoError(t, p.TransportUp(id))
	assert.Equal(t, PhaseConnected, p.Phase())
}

func TestPeerSession_RejectsWrongDescriptionTypes(t *testing.T) {
	p := newSession(t)

	_, err := p.StartOffer(sdpAnswer())
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = p.HandleOffer("conn-1", sdpAnswer())
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	id, err := p.HandleOffer("conn-1", sdpOffer())
	require.NoError(t, err)
	assert.ErrorIs(t, p.SetLocalAnswer(id, sdpOffer()), domain.ErrInvalidPayload)
}

func TestPeerSession_OfferOnlyFromIdleOrClosed(t *testing.T) {
	p := newSession(t)

	_, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)

	_, err = p.StartOffer(sdpOffer())
	assert.Error(t, err)
	_, err = p.HandleOffer("conn-1", sdpOffer())
	assert.Error(t, err)
}

func TestPeerSession_EarlyICEQueuedAndFlushedInOrder(t *testing.T) {
	p := newSession(t)

	var flushed []webrtc.ICECandidateInit
	p.Subscribe(TopicICE, func(v interface{}) {
		flushed = append(flushed, v.(webrtc.ICECandidateInit))
	})

	p.AddICE("conn-1", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	p.AddICE("conn-1", webrtc.ICECandidateInit{Candidate: "candidate:2"})
	assert.Equal(t, 2, p.PendingICE("conn-1"))
	assert.Empty(t, flushed)

	_, err := p.HandleOffer("conn-1", sdpOffer())
	require.NoError(t, err)

	assert.Equal(t, 0, p.PendingICE("conn-1"))
	require.Len(t, flushed, 2)
	assert.Equal(t, "candidate:1", flushed[0].Candidate)
	assert.Equal(t, "candidate:2", flushed[1].Candidate)

	// Once the remote description is in, candidates dispatch directly.
	p.AddICE("conn-1", webrtc.ICECandidateInit{Candidate: "candidate:3"})
	assert.Len(t, flushed, 3)
	assert.Equal(t, 0, p.PendingICE("conn-1"))
}

func TestPeerSession_ICEForOtherConnectionStaysQueued(t *testing.T) {
	p := newSession(t)

	p.AddICE("conn-1", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	p.AddICE("conn-2", webrtc.ICECandidateInit{Candidate: "candidate:2"})

	_, err := p.HandleOffer("conn-1", sdpOffer())
	require.NoError(t, err)

	assert.Equal(t, 0, p.PendingICE("conn-1"))
	assert.Equal(t, 1, p.PendingICE("conn-2"))
}

func TestPeerSession_AnswerAggregation(t *testing.T) {
	p := newSession(t)

	id, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)

	first, err := p.HandleAnswer("conn-1", sdpAnswer())
	require.NoError(t, err)
	assert.Equal(t, id, first)

	// A second remote socket answering the same offer becomes an extra
	// transport instead of an error.
	second, err := p.HandleAnswer("conn-2", sdpAnswer())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, p.TransportCount())
}

func TestPeerSession_RenegotiationHandoff(t *testing.T) {
	p := newSession(t)

	old, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)
	_, err = p.HandleAnswer("conn-1", sdpAnswer())
	require.NoError(t, err)
	require.NoError(t, p.TransportUp(old))

	var handoffs []RenegotiationHandoff
	p.Subscribe(TopicHandoff, func(v interface{}) {
		handoffs = append(handoffs, v.(RenegotiationHandoff))
	})

	handoff, err := p.Renegotiate(sdpOffer())
	require.NoError(t, err)
	assert.Equal(t, old, handoff.Old)
	assert.Equal(t, PhaseRenegotiating, p.Phase())

	// The old transport keeps carrying traffic until the new one is up.
	assert.Equal(t, old, p.ActiveTransport())
	assert.Equal(t, 2, p.TransportCount())

	_, err = p.HandleAnswer("conn-1", sdpAnswer())
	require.NoError(t, err)
	require.NoError(t, p.TransportUp(handoff.New))

	assert.Equal(t, PhaseConnected, p.Phase())
	assert.Equal(t, handoff.New, p.ActiveTransport())
	assert.Equal(t, 1, p.TransportCount())
	require.Len(t, handoffs, 1)
	assert.Equal(t, handoff, handoffs[0])
}

func TestPeerSession_FailedReplacementKeepsOldTransport(t *testing.T) {
	p := newSession(t)

	old, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)
	_, err = p.HandleAnswer("conn-1", sdpAnswer())
	require.NoError(t, err)
	require.NoError(t, p.TransportUp(old))

	handoff, err := p.Renegotiate(sdpOffer())
	require.NoError(t, err)

	p.AbortAttempt(handoff.New, errors.New("ice failed"))

	assert.Equal(t, PhaseConnected, p.Phase())
	assert.Equal(t, old, p.ActiveTransport())
	assert.Equal(t, 1, p.TransportCount())
}

func TestPeerSession_CloseAndReuse(t *testing.T) {
	p := newSession(t)

	var closed int
	p.Subscribe(TopicClosed, func(interface{}) { closed++ })

	id, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)
	_, err = p.HandleAnswer("conn-1", sdpAnswer())
	require.NoError(t, err)
	require.NoError(t, p.TransportUp(id))

	p.TransportDown(id)
	assert.Equal(t, PhaseClosed, p.Phase())
	assert.Equal(t, TransportID(""), p.ActiveTransport())
	assert.Equal(t, 1, closed)

	// Closed is not terminal: a fresh offer restarts the same pairing.
	id2, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
	assert.Equal(t, PhaseOffering, p.Phase())
}

func TestPeerSession_DeferredEventsReplayOnStart(t *testing.T) {
	p := NewPeerSession(
		domain.Identity{User: "alice", Client: "laptop"},
		domain.Identity{User: "bob", Client: "phone"},
		"0123456789abcdef0123456789abcdef",
		zaptest.NewLogger(t).Sugar(),
	)

	id, err := p.StartOffer(sdpOffer())
	require.NoError(t, err)
	_, err = p.HandleAnswer("conn-1", sdpAnswer())
	require.NoError(t, err)
	require.NoError(t, p.TransportUp(id))

	// Subscriber attached after the fact still sees the buffered event.
	var connected int
	p.Subscribe(TopicConnected, func(interface{}) { connected++ })
	p.Start()

	assert.Equal(t, 1, connected)
}

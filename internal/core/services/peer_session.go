package services

import (
	"fmt"
	"sync"

	"wiregate/internal/core/domain"
	"wiregate/pkg/emitter"
	"wiregate/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerPhase is the negotiation state of one logical peer pairing.
type PeerPhase string

const (
	PhaseIdle          PeerPhase = "idle"
	PhaseOffering      PeerPhase = "offering"
	PhaseAnswering     PeerPhase = "answering"
	PhaseConnected     PeerPhase = "connected"
	PhaseRenegotiating PeerPhase = "renegotiating"
	PhaseClosed        PeerPhase = "closed"
)

// TransportID names one underlying transport attempt within a peer.
type TransportID string

// TransportState tracks a single transport attempt. During renegotiation
// two transports exist side by side; exactly one is canonical at a time.
type TransportState string

const (
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
)

// RenegotiationHandoff records the old/new transport pair while a
// renegotiation is in flight. The old transport is torn down only after
// the new one connects.
type RenegotiationHandoff struct {
	Old TransportID
	New TransportID
}

// Emitted topics.
const (
	TopicConnected = "connected"
	TopicClosed    = "closed"
	TopicICE       = "ice"
	TopicHandoff   = "handoff"
)

type transport struct {
	id           TransportID
	remoteConnID string
	state        TransportState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
}

// PeerSession is the per-pairing negotiation state machine. It tracks
// offer/answer progress, queues ICE candidates that arrive before the
// matching remote description, and survives transport churn: after the
// last transport drops the session is closed but reusable, so a later
// attempt reconnects the same logical peer.
type PeerSession struct {
	mu sync.Mutex

	self   domain.Identity
	remote domain.Identity
	token  string
	phase  PeerPhase

	transports map[TransportID]*transport
	active     TransportID
	handoff    *RenegotiationHandoff

	// ICE candidates received before the remote description for their
	// connection is applied; flushed in arrival order on apply. This is
	// the one piece of required buffering in the signaling path.
	pendingICE map[string][]webrtc.ICECandidateInit

	events *emitter.Emitter
	logger *zap.SugaredLogger
}

// NewPeerSession creates a session in the idle phase. Events emitted
// before Start are buffered, so subscribers attached late still observe
// the full lifecycle in order.
func NewPeerSession(self, remote domain.Identity, token string, logger *zap.SugaredLogger) *PeerSession {
	return &PeerSession{
		self:       self,
		remote:     remote,
		token:      token,
		phase:      PhaseIdle,
		transports: make(map[TransportID]*transport),
		pendingICE: make(map[string][]webrtc.ICECandidateInit),
		events:     emitter.NewDeferred(),
		logger:     logger,
	}
}

// Start drains buffered events and switches to direct dispatch.
func (p *PeerSession) Start() {
	p.events.Start()
}

// Subscribe registers a lifecycle event handler and returns a cancel func.
func (p *PeerSession) Subscribe(topic string, fn func(interface{})) func() {
	return p.events.Subscribe(topic, fn)
}

// Phase returns the current negotiation phase.
func (p *PeerSession) Phase() PeerPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// ActiveTransport returns the canonical transport id, empty if none.
func (p *PeerSession) ActiveTransport() TransportID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Token returns the link token authorizing this session.
func (p *PeerSession) Token() string {
	return p.token
}

func newTransportID() TransportID {
	return TransportID(utils.GenerateRequestID())
}

// StartOffer begins an outgoing negotiation with a local offer. Legal
// from idle or closed; a closed session restarts cleanly.
func (p *PeerSession) StartOffer(offer webrtc.SessionDescription) (TransportID, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return "", fmt.Errorf("%w: expected offer, got %s", domain.ErrInvalidPayload, offer.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != PhaseIdle && p.phase != PhaseClosed {
		return "", fmt.Errorf("cannot offer in phase %s", p.phase)
	}

	id := newTransportID()
	p.transports[id] = &transport{
		id:    id,
		state: TransportConnecting,
		local: &offer,
	}
	p.active = id
	p.phase = PhaseOffering
	return id, nil
}

// HandleOffer begins an incoming negotiation from a received offer and
// returns the transport the caller's answer should be attached to.
// Queued ICE for the remote connection flushes once the offer is applied.
func (p *PeerSession) HandleOffer(remoteConnID string, offer webrtc.SessionDescription) (TransportID, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return "", fmt.Errorf("%w: expected offer, got %s", domain.ErrInvalidPayload, offer.Type)
	}

	p.mu.Lock()
	if p.phase != PhaseIdle && p.phase != PhaseClosed {
		p.mu.Unlock()
		return "", fmt.Errorf("cannot answer in phase %s", p.phase)
	}

	id := newTransportID()
	p.transports[id] = &transport{
		id:           id,
		remoteConnID: remoteConnID,
		state:        TransportConnecting,
		remote:       &offer,
	}
	p.active = id
	p.phase = PhaseAnswering
	queued := p.takePendingLocked(remoteConnID)
	p.mu.Unlock()

	p.flushICE(remoteConnID, queued)
	return id, nil
}

// SetLocalAnswer records the answer generated for an incoming offer.
func (p *PeerSession) SetLocalAnswer(id TransportID, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", domain.ErrInvalidPayload, answer.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.transports[id]
	if !ok {
		return fmt.Errorf("unknown transport %s", id)
	}
	t.local = &answer
	return nil
}

// HandleAnswer applies a received answer. The first answer binds to the
// in-flight transport; answers from further remote connections (the
// remote identity may hold several live sockets) are aggregated as
// additional transports rather than rejected.
func (p *PeerSession) HandleAnswer(remoteConnID string, answer webrtc.SessionDescription) (TransportID, error) {
	if answer.Type != webrtc.SDPTypeAnswer {
		return "", fmt.Errorf("%w: expected answer, got %s", domain.ErrInvalidPayload, answer.Type)
	}

	p.mu.Lock()
	if p.phase != PhaseOffering && p.phase != PhaseRenegotiating && p.phase != PhaseConnected {
		p.mu.Unlock()
		return "", fmt.Errorf("unexpected answer in phase %s", p.phase)
	}

	var target *transport
	for _, t := range p.transports {
		if t.state == TransportConnecting && t.remote == nil {
			target = t
			break
		}
	}

	if target != nil {
		target.remote = &answer
		target.remoteConnID = remoteConnID
	} else {
		// Aggregate: another remote socket answered the same offer.
		id := newTransportID()
		target = &transport{
			id:           id,
			remoteConnID: remoteConnID,
			state:        TransportConnecting,
			remote:       &answer,
		}
		p.transports[id] = target
	}
	id := target.id
	queued := p.takePendingLocked(remoteConnID)
	p.mu.Unlock()

	p.flushICE(remoteConnID, queued)
	return id, nil
}

// AddICE accepts a remote ICE candidate. Candidates arriving before the
// remote description for their connection are queued and flushed when it
// is applied; afterwards they dispatch immediately.
func (p *PeerSession) AddICE(remoteConnID string, candidate webrtc.ICECandidateInit) {
	p.mu.Lock()
	ready := false
	for _, t := range p.transports {
		if t.remoteConnID == remoteConnID && t.remote != nil {
			ready = true
			break
		}
	}
	if !ready {
		p.pendingICE[remoteConnID] = append(p.pendingICE[remoteConnID], candidate)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.events.Emit(TopicICE, candidate)
}

// PendingICE reports how many candidates are queued for a connection.
func (p *PeerSession) PendingICE(remoteConnID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingICE[remoteConnID])
}

func (p *PeerSession) takePendingLocked(remoteConnID string) []webrtc.ICECandidateInit {
	queued := p.pendingICE[remoteConnID]
	delete(p.pendingICE, remoteConnID)
	return queued
}

func (p *PeerSession) flushICE(remoteConnID string, queued []webrtc.ICECandidateInit) {
	for _, c := range queued {
		p.events.Emit(TopicICE, c)
	}
	if len(queued) > 0 {
		p.logger.Debugw("flushed queued ICE candidates",
			"remote_conn", remoteConnID, "count", len(queued))
	}
}

// TransportUp marks a transport connected. Completing the in-flight
// attempt moves the session to connected; completing the replacement
// transport of a renegotiation finishes the handoff and tears the old
// transport down.
func (p *PeerSession) TransportUp(id TransportID) error {
	p.mu.Lock()

	t, ok := p.transports[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown transport %s", id)
	}
	t.state = TransportConnected

	var emitTopic string
	var emitPayload interface{}

	switch p.phase {
	case PhaseOffering, PhaseAnswering:
		p.phase = PhaseConnected
		p.active = id
		emitTopic = TopicConnected
		emitPayload = id

	case PhaseRenegotiating:
		if p.handoff != nil && p.handoff.New == id {
			handoff := *p.handoff
			delete(p.transports, handoff.Old)
			p.active = handoff.New
			p.handoff = nil
			p.phase = PhaseConnected
			emitTopic = TopicHandoff
			emitPayload = handoff
		}
	}
	p.mu.Unlock()

	if emitTopic != "" {
		p.events.Emit(emitTopic, emitPayload)
	}
	return nil
}

// Renegotiate starts replacing the active transport because the outgoing
// stream set changed. A brand-new transport is created side by side with
// the old one; in-place renegotiation of an existing transport is not
// supported by enough peers to be safe.
func (p *PeerSession) Renegotiate(offer webrtc.SessionDescription) (RenegotiationHandoff, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return RenegotiationHandoff{}, fmt.Errorf("%w: expected offer, got %s", domain.ErrInvalidPayload, offer.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase != PhaseConnected {
		return RenegotiationHandoff{}, fmt.Errorf("cannot renegotiate in phase %s", p.phase)
	}

	id := newTransportID()
	p.transports[id] = &transport{
		id:    id,
		state: TransportConnecting,
		local: &offer,
	}
	p.handoff = &RenegotiationHandoff{Old: p.active, New: id}
	p.phase = PhaseRenegotiating
	return *p.handoff, nil
}

// AbortAttempt drops one failed transport attempt without touching the
// rest of the session: a session with zero successful transports stays in
// offering/answering until retried.
func (p *PeerSession) AbortAttempt(id TransportID, cause error) {
	p.mu.Lock()
	t, ok := p.transports[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.transports, id)
	if t.remoteConnID != "" {
		delete(p.pendingICE, t.remoteConnID)
	}
	if p.handoff != nil && p.handoff.New == id {
		// Failed replacement: the old transport stays canonical.
		p.handoff = nil
		p.phase = PhaseConnected
	}
	p.mu.Unlock()

	p.logger.Warnw("negotiation attempt aborted",
		"transport", id, "remote", p.remote.User, "error", cause)
}

// TransportDown removes a dropped transport. When the last one goes the
// session closes and emits a close notification, but remains reusable:
// a later StartOffer or HandleOffer reconnects it.
func (p *PeerSession) TransportDown(id TransportID) {
	p.mu.Lock()

	if _, ok := p.transports[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.transports, id)

	if p.handoff != nil && (p.handoff.Old == id || p.handoff.New == id) {
		p.handoff = nil
		if len(p.transports) > 0 {
			p.phase = PhaseConnected
		}
	}

	closed := false
	if len(p.transports) == 0 {
		p.phase = PhaseClosed
		p.active = ""
		p.pendingICE = make(map[string][]webrtc.ICECandidateInit)
		closed = true
	} else if p.active == id {
		for _, t := range p.transports {
			p.active = t.id
			break
		}
	}
	p.mu.Unlock()

	if closed {
		p.events.Emit(TopicClosed, p.remote)
	}
}

// TransportCount returns the number of live transport attempts.
func (p *PeerSession) TransportCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

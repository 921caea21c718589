package services

import (
	"context"
	"errors"
	"testing"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubDeliverer struct {
	delivered bool
	events    []*domain.Event
}

func (d *stubDeliverer) Deliver(ev *domain.Event) bool {
	d.events = append(d.events, ev)
	return d.delivered
}

type stubPresence struct {
	entries []domain.LiveEntry
	err     error
}

func (p *stubPresence) MarkLive(ctx context.Context, user domain.UserID, client domain.ClientID, node domain.NodeIdentity) (bool, error) {
	return false, nil
}

func (p *stubPresence) MarkOffline(ctx context.Context, user domain.UserID, client domain.ClientID, nodeID string) (bool, error) {
	return false, nil
}

func (p *stubPresence) Lookup(ctx context.Context, user domain.UserID, client domain.ClientID) ([]domain.LiveEntry, error) {
	return p.entries, p.err
}

func (p *stubPresence) IsActive(ctx context.Context, user domain.UserID, client domain.ClientID) (bool, error) {
	return len(p.entries) > 0, p.err
}

type stubSender struct {
	events []*domain.Event
	err    error
}

func (s *stubSender) SendEvent(ev *domain.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

type stubLinks struct {
	senders map[string]*stubSender
	dialErr map[string]error
}

func (l *stubLinks) Remote(ctx context.Context, entry domain.LiveEntry) (ports.RemoteSender, error) {
	if err, ok := l.dialErr[entry.NodeID]; ok {
		return nil, err
	}
	s, ok := l.senders[entry.NodeID]
	if !ok {
		s = &stubSender{}
		if l.senders == nil {
			l.senders = make(map[string]*stubSender)
		}
		l.senders[entry.NodeID] = s
	}
	return s, nil
}

func entryOn(nodeID string, client domain.ClientID) domain.LiveEntry {
	return domain.LiveEntry{Client: client, Address: "10.0.0.2", Port: 8082, NodeID: nodeID}
}

func newTestRouter(t *testing.T, local *stubDeliverer, presence *stubPresence, links ports.LinkProvider) ports.Router {
	self := domain.NodeIdentity{Address: "10.0.0.1", Port: 8082, NodeID: "self"}
	return NewRouterService(local, presence, links, self, zaptest.NewLogger(t).Sugar())
}

func TestSendEvent_LocalOnly(t *testing.T) {
	local := &stubDeliverer{delivered: true}
	links := &stubLinks{senders: map[string]*stubSender{}}
	router := newTestRouter(t, local, &stubPresence{
		entries: []domain.LiveEntry{entryOn("self", "laptop")},
	}, links)

	delivered, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Len(t, local.events, 1)
	assert.Empty(t, links.senders)
}

func TestSendEvent_ForwardsOncePerRemoteNode(t *testing.T) {
	local := &stubDeliverer{delivered: false}
	links := &stubLinks{senders: map[string]*stubSender{}}
	router := newTestRouter(t, local, &stubPresence{
		entries: []domain.LiveEntry{
			entryOn("n2", "laptop"),
			entryOn("n2", "phone"),
			entryOn("n3", "tablet"),
			entryOn("self", "desktop"),
		},
	}, links)

	delivered, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	require.NoError(t, err)
	assert.True(t, delivered)
	// n2 hosts two of alice's clients but gets a single forward; its own
	// table fans out on arrival.
	assert.Len(t, links.senders["n2"].events, 1)
	assert.Len(t, links.senders["n3"].events, 1)
	assert.NotContains(t, links.senders, "self")
}

func TestSendEvent_UnreachableNodeSkipped(t *testing.T) {
	local := &stubDeliverer{delivered: false}
	links := &stubLinks{
		senders: map[string]*stubSender{},
		dialErr: map[string]error{"n2": errors.New("connection refused")},
	}
	router := newTestRouter(t, local, &stubPresence{
		entries: []domain.LiveEntry{entryOn("n2", "laptop"), entryOn("n3", "phone")},
	}, links)

	delivered, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Len(t, links.senders["n3"].events, 1)
}

func TestSendEvent_RemoteSendFailureNotDelivered(t *testing.T) {
	local := &stubDeliverer{delivered: false}
	links := &stubLinks{senders: map[string]*stubSender{
		"n2": {err: errors.New("link closed")},
	}}
	router := newTestRouter(t, local, &stubPresence{
		entries: []domain.LiveEntry{entryOn("n2", "laptop")},
	}, links)

	delivered, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestSendEvent_StoreDegradedStillDeliversLocally(t *testing.T) {
	local := &stubDeliverer{delivered: true}
	router := newTestRouter(t, local, &stubPresence{
		err: errors.New("redis: connection pool timeout"),
	}, &stubLinks{})

	delivered, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	assert.True(t, delivered)
	assert.ErrorIs(t, err, domain.ErrStoreDegraded)
}

type probingLinks struct {
	stubLinks
	probeSenders []ports.RemoteSender
	probes       int
}

func (l *probingLinks) ProbeLive(ctx context.Context, user domain.UserID, client domain.ClientID) []ports.RemoteSender {
	l.probes++
	return l.probeSenders
}

// With the store down, a link provider that can probe is asked directly
// and the event still reaches the nodes that answered.
func TestSendEvent_StoreDegradedProbesOpenLinks(t *testing.T) {
	local := &stubDeliverer{delivered: false}
	remote := &stubSender{}
	links := &probingLinks{probeSenders: []ports.RemoteSender{remote}}
	router := newTestRouter(t, local, &stubPresence{
		err: errors.New("redis: connection pool timeout"),
	}, links)

	delivered, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	assert.True(t, delivered)
	assert.ErrorIs(t, err, domain.ErrStoreDegraded)
	assert.Equal(t, 1, links.probes)
	assert.Len(t, remote.events, 1)
}

func TestSendEvent_StoreDegradedProbeFindsNobody(t *testing.T) {
	local := &stubDeliverer{delivered: false}
	links := &probingLinks{}
	router := newTestRouter(t, local, &stubPresence{
		err: errors.New("redis: connection pool timeout"),
	}, links)

	delivered, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	assert.False(t, delivered)
	assert.ErrorIs(t, err, domain.ErrStoreDegraded)
}

// Probes are confined to the degraded branch; a healthy store routes on
// its entries alone.
func TestSendEvent_HealthyStoreNotProbed(t *testing.T) {
	local := &stubDeliverer{delivered: true}
	links := &probingLinks{}
	router := newTestRouter(t, local, &stubPresence{}, links)

	_, err := router.SendEvent(context.Background(), &domain.Event{User: "alice"})

	require.NoError(t, err)
	assert.Zero(t, links.probes)
}

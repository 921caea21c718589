package backplane

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/internal/infrastructure/monitoring"
	"wiregate/pkg/circuitbreaker"

	"go.uber.org/zap"
)

const defaultCallTimeout = 3 * time.Second

// FrameHandler receives event and peer frames read off adopted links.
type FrameHandler func(ev *domain.Event)

// LivenessProbe answers inbound live requests from local state.
type LivenessProbe func(user domain.UserID, client domain.ClientID) bool

// Registry maintains at most one live link per remote node. Simultaneous
// connection attempts between two nodes are resolved with the fortune
// exchange: each side compares the fortune it recorded for its own
// attempt against the one received, and the comparison picks the same
// surviving socket on both ends without any coordinator.
type Registry struct {
	self   domain.NodeIdentity
	dialer *Dialer

	mu    sync.Mutex
	links map[string]*Link

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.CircuitBreaker

	handler  FrameHandler
	liveness LivenessProbe

	callTimeout time.Duration
	metrics     *monitoring.PrometheusCollector

	logger *zap.SugaredLogger
}

// NewRegistry creates a link registry for this node.
func NewRegistry(self domain.NodeIdentity, dialer *Dialer, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		self:        self,
		dialer:      dialer,
		links:       make(map[string]*Link),
		breakers:    make(map[string]*circuitbreaker.CircuitBreaker),
		callTimeout: defaultCallTimeout,
		logger:      logger,
	}
}

// SetFrameHandler installs the local delivery sink for received frames.
func (r *Registry) SetFrameHandler(h FrameHandler) {
	r.handler = h
}

// SetLivenessProbe installs the answerer for inbound live requests.
func (r *Registry) SetLivenessProbe(p LivenessProbe) {
	r.liveness = p
}

// SetCallTimeout bounds live request/reply exchanges on open links.
func (r *Registry) SetCallTimeout(d time.Duration) {
	if d > 0 {
		r.callTimeout = d
	}
}

// SetMetrics installs the collector for link and collision metrics.
func (r *Registry) SetMetrics(m *monitoring.PrometheusCollector) {
	r.metrics = m
}

// Self returns this node's identity.
func (r *Registry) Self() domain.NodeIdentity {
	return r.self
}

func drawFortune() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Remote returns a sender for the node holding the given live entry,
// reusing the registered link or dialing a new one.
func (r *Registry) Remote(ctx context.Context, entry domain.LiveEntry) (ports.RemoteSender, error) {
	link, err := r.Get(ctx, entry)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		return &timedSender{link: link, metrics: r.metrics}, nil
	}
	return link, nil
}

// timedSender observes how long handing an event to the link takes.
type timedSender struct {
	link    *Link
	metrics *monitoring.PrometheusCollector
}

func (s *timedSender) SendEvent(ev *domain.Event) error {
	start := time.Now()
	err := s.link.SendEvent(ev)
	s.metrics.RecordBackplaneSend(time.Since(start))
	return err
}

// ProbeLive asks every open link whether the target has a live
// connection on its node. It stands in for the presence registry when
// the shared store cannot be consulted: the answer covers only nodes
// this node already holds links to.
func (r *Registry) ProbeLive(ctx context.Context, user domain.UserID, client domain.ClientID) []ports.RemoteSender {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		senders []ports.RemoteSender
	)
	for _, l := range links {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			reply, err := l.Request(ctx, &Frame{
				Type:   FrameLive,
				ID:     r.self.NodeID,
				User:   user,
				Client: client,
			}, r.callTimeout)
			if err != nil {
				r.logger.Debugw("live probe failed", "node_id", l.remoteID, "error", err)
				return
			}
			if reply.Active {
				mu.Lock()
				senders = append(senders, l)
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	return senders
}

// Get returns the canonical link to the entry's node, dialing lazily.
func (r *Registry) Get(ctx context.Context, entry domain.LiveEntry) (*Link, error) {
	r.mu.Lock()
	if l, ok := r.links[entry.NodeID]; ok {
		r.mu.Unlock()
		return l, nil
	}
	r.mu.Unlock()

	// Dial outside the registry lock; the fortune exchange below makes
	// concurrent attempts converge on one socket.
	var tr Transport
	err := r.breaker(entry.NodeID).Execute(ctx, func() error {
		t, dialErr := r.dialer.Dial(ctx, entry.Address, entry.Port)
		if dialErr != nil {
			return dialErr
		}
		tr = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reach node %s: %w", entry.NodeID, err)
	}

	fortune := drawFortune()
	if err := tr.Send(&Frame{Type: FrameOpen, ID: r.self.NodeID, Fortune: fortune}); err != nil {
		tr.Close()
		return nil, fmt.Errorf("failed to open link to node %s: %w", entry.NodeID, err)
	}

	link, adopted := r.adoptOutbound(entry.NodeID, fortune, tr)
	if !adopted {
		// Lost a local race: another attempt registered first. Use the
		// winner; the remote end resolves the duplicate via fortunes.
		tr.Close()
	}
	return link, nil
}

// adoptOutbound registers a freshly dialed transport unless a link to the
// remote node already exists.
func (r *Registry) adoptOutbound(remoteID string, fortune uint64, tr Transport) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.links[remoteID]; ok {
		return existing, false
	}

	l := newLink(remoteID, r.self.NodeID, fortune, tr, r.logger)
	r.links[remoteID] = l
	go r.readLoop(l)

	r.logger.Infow("node link established", "node_id", remoteID, "direction", "outbound")
	return l, true
}

type resolveOutcome int

const (
	resolveAdopted resolveOutcome = iota
	resolveRejected
	resolveRetry
)

// resolve runs the fortune comparison for an open frame received on an
// inbound socket. The check-then-set on the link map is atomic relative
// to other opens for the same remote nodeID, which the protocol requires.
func (r *Registry) resolve(remoteID string, fortune uint64, tr Transport) resolveOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.links[remoteID]
	if !ok {
		l := newLink(remoteID, r.self.NodeID, fortune, tr, r.logger)
		r.links[remoteID] = l
		go r.readLoop(l)
		r.logger.Infow("node link established", "node_id", remoteID, "direction", "inbound")
		return resolveAdopted
	}

	if r.metrics != nil {
		r.metrics.RecordFortuneCollision()
	}

	switch {
	case fortune == existing.fortune:
		// Both sides drew the same number. Redraw and re-offer over the
		// currently registered socket; the comparison reruns when the
		// peer's fresh open arrives.
		existing.fortune = drawFortune()
		existing.Send(&Frame{Type: FrameOpen, ID: r.self.NodeID, Fortune: existing.fortune})
		r.logger.Debugw("fortune tie, redrawing", "node_id", remoteID)
		return resolveRetry

	case existing.fortune < fortune:
		// Our attempt holds the lower fortune: keep it, refuse the
		// inbound socket. The peer adopts our socket symmetrically.
		return resolveRejected

	default:
		// Received fortune is lower: adopt the inbound socket as
		// canonical and drop whatever we had.
		l := newLink(remoteID, r.self.NodeID, fortune, tr, r.logger)
		r.links[remoteID] = l
		go r.readLoop(l)
		existing.Close()
		r.logger.Infow("node link replaced by collision winner", "node_id", remoteID)
		return resolveAdopted
	}
}

// HandleInbound drives an accepted transport through link establishment.
// It returns once the socket is adopted (the link reader owns it) or
// refused.
func (r *Registry) HandleInbound(tr Transport) {
	for {
		f, err := tr.Recv()
		if err != nil {
			tr.Close()
			return
		}
		if f.Type != FrameOpen {
			// Frames before an open are a protocol violation.
			r.logger.Warnw("dropping inbound socket: frame before open", "type", f.Type)
			tr.Close()
			return
		}

		switch r.resolve(f.ID, f.Fortune, tr) {
		case resolveAdopted:
			return
		case resolveRejected:
			tr.Close()
			return
		case resolveRetry:
			// Wait for the peer's fresh open on this same socket.
		}
	}
}

// readLoop dispatches frames from an adopted link until the transport
// errors, then removes the link from the registry.
func (r *Registry) readLoop(l *Link) {
	for {
		f, err := l.tr.Recv()
		if err != nil {
			r.remove(l)
			l.Close()
			return
		}

		switch f.Type {
		case FrameOpen:
			// A re-offer after a fortune tie arriving on the canonical
			// socket: record the fresh value for future comparisons.
			r.mu.Lock()
			l.fortune = f.Fortune
			r.mu.Unlock()

		case FrameEvent, FramePeer:
			if r.handler != nil {
				r.handler(frameEvent(f))
			}

		case FrameLive:
			if f.Reply {
				l.dispatchReply(f)
			} else {
				r.answerLive(l, f)
			}

		default:
			r.logger.Debugw("ignoring unknown frame type", "type", f.Type, "node_id", l.remoteID)
		}
	}
}

func (r *Registry) answerLive(l *Link, f *Frame) {
	active := false
	if r.liveness != nil {
		active = r.liveness(f.User, f.Client)
	}
	reply := &Frame{
		Type:   FrameLive,
		ID:     r.self.NodeID,
		Seq:    f.Seq,
		Reply:  true,
		Active: active,
		User:   f.User,
		Client: f.Client,
	}
	if err := l.Send(reply); err != nil {
		r.logger.Debugw("failed to answer live probe", "node_id", l.remoteID, "error", err)
	}
}

// remove drops the link from the registry, but only if it is still the
// registered one; a replaced link must not evict its successor.
func (r *Registry) remove(l *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.links[l.remoteID] == l {
		delete(r.links, l.remoteID)
		r.logger.Infow("node link removed", "node_id", l.remoteID)
	}
}

func (r *Registry) breaker(remoteID string) *circuitbreaker.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()

	cb, ok := r.breakers[remoteID]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig())
		r.breakers[remoteID] = cb
	}
	return cb
}

// LinkCount returns the number of open links, for metrics.
func (r *Registry) LinkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// Shutdown closes every open link.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = make(map[string]*Link)
	r.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}

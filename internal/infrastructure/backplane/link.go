package backplane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wiregate/internal/core/domain"

	"go.uber.org/zap"
)

const sendQueueDepth = 64

// Link is the single canonical connection to one remote node. All sends
// go through one writer goroutine, so events enqueued by the same caller
// are written FIFO per link.
type Link struct {
	remoteID string
	selfID   string

	// fortune is the value of the open exchange that produced this link;
	// the registry compares it against incoming opens to resolve
	// collisions. Guarded by the registry mutex.
	fortune uint64

	tr        Transport
	sendCh    chan *Frame
	done      chan struct{}
	closeOnce sync.Once

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *Frame

	logger *zap.SugaredLogger
}

func newLink(remoteID, selfID string, fortune uint64, tr Transport, logger *zap.SugaredLogger) *Link {
	l := &Link{
		remoteID: remoteID,
		selfID:   selfID,
		fortune:  fortune,
		tr:       tr,
		sendCh:   make(chan *Frame, sendQueueDepth),
		done:     make(chan struct{}),
		pending:  make(map[uint64]chan *Frame),
		logger:   logger,
	}
	go l.writeLoop()
	return l
}

// RemoteID returns the nodeID of the remote end.
func (l *Link) RemoteID() string {
	return l.remoteID
}

// Send enqueues a frame for the writer goroutine.
func (l *Link) Send(f *Frame) error {
	select {
	case <-l.done:
		return domain.ErrLinkClosed
	default:
	}

	select {
	case l.sendCh <- f:
		return nil
	case <-l.done:
		return domain.ErrLinkClosed
	}
}

// SendEvent forwards a routed event to the remote node.
func (l *Link) SendEvent(ev *domain.Event) error {
	return l.Send(eventFrame(l.selfID, ev))
}

// Request sends a frame expecting a correlated reply and waits up to the
// timeout. Replies arriving after the deadline find no awaiting entry and
// are silently discarded.
func (l *Link) Request(ctx context.Context, f *Frame, timeout time.Duration) (*Frame, error) {
	seq := l.seq.Add(1)
	f.Seq = seq

	ch := make(chan *Frame, 1)
	l.pendingMu.Lock()
	l.pending[seq] = ch
	l.pendingMu.Unlock()

	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, seq)
		l.pendingMu.Unlock()
	}()

	if err := l.Send(f); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request to node %s timed out after %s", l.remoteID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, domain.ErrLinkClosed
	}
}

// dispatchReply hands a correlated reply to its waiter. Unawaited replies
// (late, or already timed out) are dropped.
func (l *Link) dispatchReply(f *Frame) {
	l.pendingMu.Lock()
	ch, ok := l.pending[f.Seq]
	l.pendingMu.Unlock()

	if !ok {
		l.logger.Debugw("discarding late reply", "node_id", l.remoteID, "seq", f.Seq)
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// Close tears down the link and its transport. Safe to call repeatedly.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.tr.Close()
	})
}

func (l *Link) writeLoop() {
	for {
		select {
		case f := <-l.sendCh:
			if err := l.tr.Send(f); err != nil {
				l.logger.Debugw("link write failed", "node_id", l.remoteID, "error", err)
				l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

package services

import (
	"context"
	"fmt"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"

	"go.uber.org/zap"
)

// RouterService routes events to every live connection of their target:
// local handles first, then one forward per remote node holding a live
// entry. Delivery is best-effort and never retried.
type RouterService struct {
	local    ports.Deliverer
	presence ports.PresenceRepository
	links    ports.LinkProvider
	self     domain.NodeIdentity
	logger   *zap.SugaredLogger
}

func NewRouterService(
	local ports.Deliverer,
	presence ports.PresenceRepository,
	links ports.LinkProvider,
	self domain.NodeIdentity,
	logger *zap.SugaredLogger,
) ports.Router {
	return &RouterService{
		local:    local,
		presence: presence,
		links:    links,
		self:     self,
		logger:   logger,
	}
}

// SendEvent delivers locally, then forwards to each remote node named by
// the presence registry. A failed remote send means "no receiver there",
// not an error: the entry may be stale, and the registry will converge.
func (s *RouterService) SendEvent(ctx context.Context, ev *domain.Event) (bool, error) {
	delivered := s.local.Deliver(ev)

	entries, err := s.presence.Lookup(ctx, ev.User, ev.Client)
	if err != nil {
		// Local delivery stands while the store is degraded. Nodes with
		// open links can still be reached by probing them directly.
		remote := s.probeDegraded(ctx, ev)
		s.logger.Warnw("presence lookup failed, probed open links",
			"user", ev.User, "remote_delivered", remote, "error", err)
		return delivered || remote, fmt.Errorf("%w: %v", domain.ErrStoreDegraded, err)
	}

	// One forward per distinct remote node, however many of the target's
	// clients it hosts; the remote table fans out on its side.
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.NodeID == s.self.NodeID {
			continue
		}
		if _, dup := seen[entry.NodeID]; dup {
			continue
		}
		seen[entry.NodeID] = struct{}{}

		sender, err := s.links.Remote(ctx, entry)
		if err != nil {
			s.logger.Debugw("skipping unreachable node",
				"node_id", entry.NodeID, "user", ev.User, "error", err)
			continue
		}
		if err := sender.SendEvent(ev); err != nil {
			s.logger.Debugw("remote send failed",
				"node_id", entry.NodeID, "user", ev.User, "error", err)
			continue
		}
		delivered = true
	}

	return delivered, nil
}

// probeDegraded forwards the event to every open link whose node reports
// the target live. Only nodes this node already links to are reachable,
// so coverage is partial until the store recovers.
func (s *RouterService) probeDegraded(ctx context.Context, ev *domain.Event) bool {
	prober, ok := s.links.(ports.LiveProber)
	if !ok {
		return false
	}

	delivered := false
	for _, sender := range prober.ProbeLive(ctx, ev.User, ev.Client) {
		if err := sender.SendEvent(ev); err != nil {
			s.logger.Debugw("remote send failed after probe", "user", ev.User, "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}

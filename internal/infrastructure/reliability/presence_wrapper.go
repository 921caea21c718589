package reliability

import (
	"context"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/internal/infrastructure/monitoring"
	"wiregate/pkg/circuitbreaker"
	"wiregate/pkg/retry"

	"go.uber.org/zap"
)

// PresenceWrapper decorates a PresenceRepository with retry and a circuit
// breaker. Transient store hiccups are retried; a persistently failing
// store trips the breaker so routing degrades to local-only delivery
// quickly instead of stalling every send on store timeouts.
type PresenceWrapper struct {
	repo    ports.PresenceRepository
	metrics *monitoring.PrometheusCollector
	logger  *zap.SugaredLogger

	retryConfig retry.Config
	breaker     *circuitbreaker.CircuitBreaker
}

// NewPresenceWrapper creates the decorated repository. A nil collector
// disables latency observation.
func NewPresenceWrapper(
	repo ports.PresenceRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *PresenceWrapper {
	w := &PresenceWrapper{
		repo:        repo,
		metrics:     metrics,
		logger:      logger,
		retryConfig: retryConfig,
		breaker:     circuitbreaker.New(cbConfig),
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("presence store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func (w *PresenceWrapper) observe(op string, start time.Time) {
	if w.metrics != nil {
		w.metrics.RecordPresenceOp(op, time.Since(start))
	}
}

func (w *PresenceWrapper) MarkLive(ctx context.Context, user domain.UserID, client domain.ClientID, node domain.NodeIdentity) (bool, error) {
	defer w.observe("mark_live", time.Now())

	if !w.retryConfig.Enabled {
		return w.repo.MarkLive(ctx, user, client, node)
	}

	var wasOffline bool
	err := retry.Retry(ctx, w.retryConfig, func() error {
		return w.breaker.Execute(ctx, func() error {
			var innerErr error
			wasOffline, innerErr = w.repo.MarkLive(ctx, user, client, node)
			return innerErr
		})
	})
	return wasOffline, err
}

func (w *PresenceWrapper) MarkOffline(ctx context.Context, user domain.UserID, client domain.ClientID, nodeID string) (bool, error) {
	defer w.observe("mark_offline", time.Now())

	if !w.retryConfig.Enabled {
		return w.repo.MarkOffline(ctx, user, client, nodeID)
	}

	var nowOffline bool
	err := retry.Retry(ctx, w.retryConfig, func() error {
		return w.breaker.Execute(ctx, func() error {
			var innerErr error
			nowOffline, innerErr = w.repo.MarkOffline(ctx, user, client, nodeID)
			return innerErr
		})
	})
	return nowOffline, err
}

// Lookup goes through the breaker but is not retried: the router treats
// a failed lookup as store degradation and still delivers locally, so a
// fast answer beats an eventually-right one here.
func (w *PresenceWrapper) Lookup(ctx context.Context, user domain.UserID, client domain.ClientID) ([]domain.LiveEntry, error) {
	defer w.observe("lookup", time.Now())

	var entries []domain.LiveEntry
	err := w.breaker.Execute(ctx, func() error {
		var innerErr error
		entries, innerErr = w.repo.Lookup(ctx, user, client)
		return innerErr
	})
	return entries, err
}

func (w *PresenceWrapper) IsActive(ctx context.Context, user domain.UserID, client domain.ClientID) (bool, error) {
	defer w.observe("is_active", time.Now())

	var active bool
	err := w.breaker.Execute(ctx, func() error {
		var innerErr error
		active, innerErr = w.repo.IsActive(ctx, user, client)
		return innerErr
	})
	return active, err
}

// BreakerState exposes the breaker for health reporting.
func (w *PresenceWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.GetState()
}

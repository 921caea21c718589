package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/pkg/cache"
	"wiregate/pkg/utils"
	"wiregate/pkg/validation"

	"go.uber.org/zap"
)

// BrokerService issues link tokens and relays signaling payloads between
// the two parties a token names. Token records are written once and never
// mutated; both directions of a session reuse the same token.
type BrokerService struct {
	tokens   ports.TokenRepository
	router   ports.Router
	cache    *cache.Cache
	tokenTTL time.Duration
	logger   *zap.SugaredLogger

	// injectable clock for expiry tests
	now func() time.Time
}

func NewBrokerService(
	tokens ports.TokenRepository,
	router ports.Router,
	tokenCache *cache.Cache,
	tokenTTL time.Duration,
	logger *zap.SugaredLogger,
) *BrokerService {
	if tokenTTL <= 0 {
		tokenTTL = domain.LinkTokenTTL
	}
	return &BrokerService{
		tokens:   tokens,
		router:   router,
		cache:    tokenCache,
		tokenTTL: tokenTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateLink issues a token authorizing initiator<->target signaling and
// forwards the initiator's offer to the target as an init message.
func (s *BrokerService) CreateLink(ctx context.Context, initiator domain.Identity, target domain.UserID, offer json.RawMessage) (string, error) {
	if err := validation.ValidateUserID(string(target)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := validation.ValidateSignalPayload(offer); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	token := &domain.LinkToken{
		Token:     utils.GenerateLinkToken(),
		Initiator: initiator,
		Target:    domain.Identity{User: target},
		ExpiresAt: s.now().Add(s.tokenTTL),
	}
	if err := s.tokens.Save(ctx, token); err != nil {
		return "", fmt.Errorf("failed to persist link token: %w", err)
	}
	s.cache.Set(token.Token, token)

	init := domain.InitSignal{
		Type:  "init",
		Token: token.Token,
		From:  initiator,
		SDP:   offer,
	}
	payload, err := json.Marshal(init)
	if err != nil {
		return "", fmt.Errorf("failed to marshal init signal: %w", err)
	}

	delivered, err := s.router.SendEvent(ctx, &domain.Event{
		User:    target,
		Kind:    domain.EventKindPeer,
		Payload: payload,
	})
	if err != nil {
		return "", err
	}
	if !delivered {
		// The token stays in the store; it simply ages out unused.
		return "", domain.ErrTargetOffline
	}

	s.logger.Infow("link created",
		"token", token.Token, "initiator", initiator.User, "target", target)
	return token.Token, nil
}

// Relay forwards a payload to the non-sending side of the token's pair.
func (s *BrokerService) Relay(ctx context.Context, sender domain.Identity, token string, payload json.RawMessage) error {
	if err := validation.ValidateLinkToken(token); err != nil {
		// A malformed token can never have been issued.
		return domain.ErrForbidden
	}
	if err := validation.ValidateSignalPayload(payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	record, err := s.lookupToken(ctx, token)
	if err != nil {
		return err
	}
	if record.Expired(s.now()) {
		return domain.ErrForbidden
	}

	counterpart, ok := record.Counterpart(sender)
	if !ok {
		return domain.ErrForbidden
	}

	relay := domain.RelaySignal{
		Type:    "relay",
		Token:   token,
		From:    sender,
		Payload: payload,
	}
	body, err := json.Marshal(relay)
	if err != nil {
		return fmt.Errorf("failed to marshal relay signal: %w", err)
	}

	delivered, err := s.router.SendEvent(ctx, &domain.Event{
		User:    counterpart.User,
		Client:  counterpart.Client,
		Kind:    domain.EventKindPeer,
		Payload: body,
	})
	if err != nil {
		return err
	}
	if !delivered {
		return domain.ErrTargetOffline
	}
	return nil
}

func (s *BrokerService) lookupToken(ctx context.Context, token string) (*domain.LinkToken, error) {
	if cached, ok := s.cache.Get(token); ok {
		if record, ok := cached.(*domain.LinkToken); ok {
			return record, nil
		}
	}

	record, err := s.tokens.Get(ctx, token)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return nil, domain.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up link token: %w", err)
	}
	s.cache.Set(token, record)
	return record, nil
}

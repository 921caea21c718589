package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisTokenRepository persists link tokens with a storage TTL slightly
// past the logical expiry, so a just-expired token still reads back and
// fails the expiry check instead of looking never-issued.
type RedisTokenRepository struct {
	client *redis.Client
	slack  time.Duration
}

func NewRedisTokenRepository(client *redis.Client) ports.TokenRepository {
	return &RedisTokenRepository{
		client: client,
		slack:  time.Minute,
	}
}

func tokenKey(token string) string {
	return "wiregate:token:" + token
}

func (r *RedisTokenRepository) Save(ctx context.Context, token *domain.LinkToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal link token: %w", err)
	}

	ttl := time.Until(token.ExpiresAt) + r.slack
	if ttl <= 0 {
		ttl = r.slack
	}
	if err := r.client.Set(ctx, tokenKey(token.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store link token: %w", err)
	}
	return nil
}

func (r *RedisTokenRepository) Get(ctx context.Context, token string) (*domain.LinkToken, error) {
	data, err := r.client.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read link token: %w", err)
	}

	var lt domain.LinkToken
	if err := json.Unmarshal([]byte(data), &lt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal link token: %w", err)
	}
	return &lt, nil
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/pkg/distributed"
	"wiregate/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fieldSep joins clientID and nodeID into one hash field. Unit separator
// cannot appear in validated identifiers.
const fieldSep = "\x1f"

// RedisPresenceRepository keeps the cluster-wide presence registry. Each
// user has a hash of live entries keyed by (client, node) and a counter
// that mirrors the hash length; the counter is what liveness checks read,
// so writes keep the two in lockstep.
type RedisPresenceRepository struct {
	client *redis.Client
	locks  *distributed.LockManager
	logger *zap.SugaredLogger
}

func NewRedisPresenceRepository(client *redis.Client, logger *zap.SugaredLogger) ports.PresenceRepository {
	return &RedisPresenceRepository{
		client: client,
		locks:  distributed.NewLockManager(client, "wiregate:lock:"),
		logger: logger,
	}
}

func liveKey(user domain.UserID) string {
	return fmt.Sprintf("wiregate:presence:%s:live", user)
}

func countKey(user domain.UserID) string {
	return fmt.Sprintf("wiregate:presence:%s:count", user)
}

func entryField(client domain.ClientID, nodeID string) string {
	return string(client) + fieldSep + nodeID
}

// MarkLive records a connection in the registry. The counter is bumped
// only when HSet reports a new field, so re-registering the same
// (client, node) pair is idempotent.
func (r *RedisPresenceRepository) MarkLive(ctx context.Context, user domain.UserID, client domain.ClientID, node domain.NodeIdentity) (bool, error) {
	entry := domain.LiveEntry{
		Client:  client,
		Address: node.Address,
		Port:    node.Port,
		NodeID:  node.NodeID,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal live entry: %w", err)
	}

	added, err := r.client.HSet(ctx, liveKey(user), entryField(client, node.NodeID), data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record presence: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	count, err := r.client.Incr(ctx, countKey(user)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to bump presence count: %w", err)
	}
	count = r.verifyCount(ctx, user, count)
	return count == 1, nil
}

// MarkOffline removes a connection from the registry. The counter is
// decremented only when HDel actually removed the field, so double
// removal cannot drive the count negative.
func (r *RedisPresenceRepository) MarkOffline(ctx context.Context, user domain.UserID, client domain.ClientID, nodeID string) (bool, error) {
	removed, err := r.client.HDel(ctx, liveKey(user), entryField(client, nodeID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove presence: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	count, err := r.client.Decr(ctx, countKey(user)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to drop presence count: %w", err)
	}
	count = r.verifyCount(ctx, user, count)
	if count < 0 {
		// A drifted counter never goes below zero.
		count = 0
	}
	return count == 0, nil
}

// verifyCount compares the counter a mutation produced against the hash
// length and repairs the counter when they disagree. The hash is the
// source of truth; a counter update lost in an earlier partial failure
// is healed by the next mutation instead of lingering forever.
func (r *RedisPresenceRepository) verifyCount(ctx context.Context, user domain.UserID, observed int64) int64 {
	length, err := r.client.HLen(ctx, liveKey(user)).Result()
	if err != nil {
		r.logger.Warnw("presence count check failed", "user", user, "error", err)
		return observed
	}
	if length == observed {
		return observed
	}

	r.logger.Warnw("presence count drifted, repairing",
		"user", user, "count", observed, "live", length)
	if err := r.RepairCount(ctx, user); err != nil {
		r.logger.Warnw("presence count repair failed", "user", user, "error", err)
	}
	return length
}

// Lookup returns the live entries for the user, narrowed to one client
// when the clientID is non-empty.
func (r *RedisPresenceRepository) Lookup(ctx context.Context, user domain.UserID, client domain.ClientID) ([]domain.LiveEntry, error) {
	fields, err := r.client.HGetAll(ctx, liveKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	var entries []domain.LiveEntry
	for field, raw := range fields {
		if client != "" && !strings.HasPrefix(field, string(client)+fieldSep) {
			continue
		}
		var entry domain.LiveEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			r.logger.Warnw("dropping unreadable live entry", "user", user, "field", field, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// IsActive reports whether the user (or one specific client of the user)
// has at least one live connection anywhere in the cluster.
func (r *RedisPresenceRepository) IsActive(ctx context.Context, user domain.UserID, client domain.ClientID) (bool, error) {
	if client != "" {
		entries, err := r.Lookup(ctx, user, client)
		if err != nil {
			return false, err
		}
		return len(entries) > 0, nil
	}

	count, err := r.client.Get(ctx, countKey(user)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read presence count: %w", err)
	}
	return count > 0, nil
}

// RepairCount resets the user's counter to the hash length. A per-user
// distributed lock keeps concurrent repairs from racing each other.
func (r *RedisPresenceRepository) RepairCount(ctx context.Context, user domain.UserID) error {
	return retry.Retry(ctx, retry.DefaultConfig(), func() error {
		lock := r.locks.AcquireLock(fmt.Sprintf("presence-repair:%s", user), 5*time.Second)
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("presence repair lock held for user %s", user)
		}
		defer lock.Unlock(context.WithoutCancel(ctx))

		length, err := r.client.HLen(ctx, liveKey(user)).Result()
		if err != nil {
			return err
		}
		if err := r.client.Set(ctx, countKey(user), length, 0).Err(); err != nil {
			return err
		}
		r.logger.Infow("presence count repaired", "user", user, "count", length)
		return nil
	})
}

package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "wiregate:schema:version"
	currentSchemaVersion = 1
)

// Migration represents a schema migration step
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version > currentVersion {
			if logger != nil {
				logger.Infow("running migration", "version", migration.Version)
			}
			if err := migration.Up(ctx, client); err != nil {
				return fmt.Errorf("migration %d failed: %w", migration.Version, err)
			}
			if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
				return fmt.Errorf("failed to update schema version: %w", err)
			}
		}
	}

	if err := setSchemaVersion(ctx, client, currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set final schema version: %w", err)
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1: presence hashes and counters are created lazily;
			// this step only sweeps counters left behind by schema-less
			// deployments where the live hash is already gone.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				var cursor uint64
				for {
					keys, next, err := client.Scan(ctx, cursor, "wiregate:presence:*:count", 100).Result()
					if err != nil {
						return err
					}
					for _, countKey := range keys {
						liveKey := countKey[:len(countKey)-len(":count")] + ":live"
						exists, err := client.Exists(ctx, liveKey).Result()
						if err != nil {
							return err
						}
						if exists == 0 {
							if err := client.Del(ctx, countKey).Err(); err != nil {
								return err
							}
						}
					}
					cursor = next
					if cursor == 0 {
						return nil
					}
				}
			},
		},
	}
}

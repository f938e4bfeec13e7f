package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "pikacall:schema:version"
	currentSchemaVersion = 2
	legacyCallIndexKey   = "pikacall:calls"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	// Get current schema version
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

	// Run migrations
	migrations := getMigrations()
	for _, migration := range migrations {
		if migration.Version > currentVersion {
			if logger != nil {
				logger.Infow("running migration",
					"version", migration.Version,
				)
			}

			if err := migration.Up(ctx, client); err != nil {
				return fmt.Errorf("migration %d failed: %w", migration.Version, err)
			}

			// Update schema version
			if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
				return fmt.Errorf("failed to update schema version: %w", err)
			}

			if logger != nil {
				logger.Infow("migration completed",
					"version", migration.Version,
				)
			}
		}
	}

	// Set final version
	if err := setSchemaVersion(ctx, client, currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set final schema version: %w", err)
	}

	if logger != nil {
		logger.Infow("all migrations completed",
			"final_version", currentSchemaVersion,
		)
	}

	return nil
}

// getSchemaVersion gets the current schema version from Redis
func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil // No version set, start from 0
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// setSchemaVersion sets the schema version in Redis
func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// getMigrations returns all migrations in order
func getMigrations() []Migration {
	return []Migration{
		{
			// 1: versioning only, call records are plain keys
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
		{
			// 2: the unordered call id set becomes a sorted set scored by end time
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				ids, err := client.SMembers(ctx, legacyCallIndexKey).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					data, err := client.Get(ctx, callKeyPrefix+id).Bytes()
					if err == redis.Nil {
						continue
					}
					if err != nil {
						return err
					}
					var record struct {
						EndedAt time.Time `json:"ended_at"`
					}
					if err := json.Unmarshal(data, &record); err != nil {
						continue
					}
					if err := client.ZAdd(ctx, recentCallsKey, redis.Z{
						Score:  float64(record.EndedAt.UnixMilli()),
						Member: id,
					}).Err(); err != nil {
						return err
					}
				}
				return client.Del(ctx, legacyCallIndexKey).Err()
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				ids, err := client.ZRange(ctx, recentCallsKey, 0, -1).Result()
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					return nil
				}
				members := make([]interface{}, len(ids))
				for i, id := range ids {
					members[i] = id
				}
				return client.SAdd(ctx, legacyCallIndexKey, members...).Err()
			},
		},
	}
}

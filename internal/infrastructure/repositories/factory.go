package repositories

import (
	"context"
	"database/sql"

	"pikacall/internal/core/ports"
	"pikacall/internal/infrastructure/distributed"
	"pikacall/internal/infrastructure/repositories/memory"
	redisrepo "pikacall/internal/infrastructure/repositories/redis"
	sqliterepo "pikacall/internal/infrastructure/repositories/sqlite"
	"pikacall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates call history storage and the event bus. History
// lives in Redis when it is reachable, otherwise in SQLite when a path is
// configured, otherwise in memory.
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	sqlDB       *sql.DB
	cached      []*CachedCallRecordRepository
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:    cfg,
		logger: logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if factory.redisClient == nil && cfg.History.SQLitePath != "" {
		db, err := sqliterepo.Open(ctx, cfg.History.SQLitePath, logger)
		if err != nil {
			logger.Warnw("failed to open SQLite history, falling back to memory",
				"path", cfg.History.SQLitePath,
				"error", err,
			)
		} else {
			factory.sqlDB = db
		}
	}

	if factory.redisClient == nil && factory.sqlDB == nil {
		logger.Info("using memory repositories")
	}
	return factory
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.redisClient != nil
}

// RedisClient is nil when running on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateCallRecordRepository() ports.CallRecordRepository {
	if f.redisClient != nil {
		repo := redisrepo.NewRedisCallRecordRepository(f.redisClient, f.cfg.History.TTL, f.cfg.History.Limit)
		if f.cfg.History.CacheTTL <= 0 {
			return repo
		}
		cached := NewCachedCallRecordRepository(repo, f.cfg.History.CacheTTL)
		f.cached = append(f.cached, cached)
		return cached
	}
	if f.sqlDB != nil {
		return sqliterepo.NewSQLiteCallRecordRepository(f.sqlDB, f.cfg.History.TTL, f.cfg.History.Limit)
	}
	return memory.NewMemoryCallRecordRepository(f.cfg.History.Limit)
}

// CreateEventPublisher returns nil without Redis or when no channel is configured.
func (f *RepositoryFactory) CreateEventPublisher(instanceID string) *distributed.EventBus {
	if f.redisClient == nil || f.cfg.Redis.EventChannel == "" {
		return nil
	}
	return distributed.NewEventBus(f.redisClient, f.cfg.Redis.EventChannel, instanceID, f.logger)
}

func (f *RepositoryFactory) Close() error {
	for _, c := range f.cached {
		c.Close()
	}
	if f.sqlDB != nil {
		if err := f.sqlDB.Close(); err != nil {
			return err
		}
	}
	return redisrepo.CloseRedisClient(f.redisClient)
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	if f.sqlDB != nil {
		return f.sqlDB.PingContext(ctx)
	}
	return nil
}

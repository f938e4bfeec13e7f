package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFactoryFallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	// nothing listens on port 1
	cfg.Redis.Address = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := NewRepositoryFactory(ctx, cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.False(t, f.UsesRedis())
	assert.Nil(t, f.CreateEventPublisher("calld-1"))
	assert.NoError(t, f.HealthCheck(ctx))

	repo := f.CreateCallRecordRepository()
	require.NoError(t, repo.Save(ctx, &domain.CallRecord{CallID: "c1", EndedAt: time.Now()}))
	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallID("c1"), got.CallID)
}

func TestFactoryMemoryWhenRedisDisabled(t *testing.T) {
	f := NewRepositoryFactory(context.Background(), config.DefaultConfig(), zap.NewNop().Sugar())
	assert.False(t, f.UsesRedis())
	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.Close())
}

func TestFactoryUsesSQLiteWhenPathSet(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.History.SQLitePath = filepath.Join(t.TempDir(), "calls.db")

	f := NewRepositoryFactory(ctx, cfg, zap.NewNop().Sugar())
	assert.False(t, f.UsesRedis())
	assert.NoError(t, f.HealthCheck(ctx))

	repo := f.CreateCallRecordRepository()
	require.NoError(t, repo.Save(ctx, &domain.CallRecord{CallID: "c1", EndedAt: time.Now()}))
	require.NoError(t, f.Close())

	// a second factory on the same file sees the record
	f2 := NewRepositoryFactory(ctx, cfg, zap.NewNop().Sugar())
	defer f2.Close()
	got, err := f2.CreateCallRecordRepository().GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallID("c1"), got.CallID)
}

package repositories

import (
	"context"
	"strconv"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/pkg/cache"
)

const (
	recordKeyPrefix = "call:"
	recentKeyPrefix = "recent:"
	maxCachedKeys   = 1024
)

// CachedCallRecordRepository serves repeated history reads from memory.
// Records are immutable once saved, so only the recent lists need
// invalidating on Save. Returned records are shared and must not be mutated.
type CachedCallRecordRepository struct {
	base    ports.CallRecordRepository
	records *cache.Cache[*domain.CallRecord]
	recent  *cache.Cache[[]*domain.CallRecord]
}

func NewCachedCallRecordRepository(base ports.CallRecordRepository, ttl time.Duration) *CachedCallRecordRepository {
	return &CachedCallRecordRepository{
		base:    base,
		records: cache.New[*domain.CallRecord](ttl, maxCachedKeys),
		recent:  cache.New[[]*domain.CallRecord](ttl, maxCachedKeys),
	}
}

func (r *CachedCallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) error {
	if err := r.base.Save(ctx, record); err != nil {
		return err
	}
	r.recent.DeletePrefix(recentKeyPrefix)
	r.records.Delete(recordKeyPrefix + string(record.CallID))
	return nil
}

func (r *CachedCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	return r.records.GetOrLoad(ctx, recordKeyPrefix+string(id), func(ctx context.Context) (*domain.CallRecord, error) {
		return r.base.GetByID(ctx, id)
	})
}

func (r *CachedCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	return r.recent.GetOrLoad(ctx, recentKeyPrefix+strconv.Itoa(limit), func(ctx context.Context) ([]*domain.CallRecord, error) {
		return r.base.ListRecent(ctx, limit)
	})
}

func (r *CachedCallRecordRepository) Stats() (records, recent cache.Stats) {
	return r.records.GetStats(), r.recent.GetStats()
}

func (r *CachedCallRecordRepository) Close() {
	r.records.Stop()
	r.recent.Stop()
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	callKeyPrefix  = "pikacall:call:"
	recentCallsKey = "pikacall:calls:recent"
)

type RedisCallRecordRepository struct {
	client   *redis.Client
	ttl      time.Duration
	maxCalls int64
}

// NewRedisCallRecordRepository stores each record for ttl (0 keeps it forever)
// and keeps at most maxCalls ids in the recency index.
func NewRedisCallRecordRepository(client *redis.Client, ttl time.Duration, maxCalls int) ports.CallRecordRepository {
	if maxCalls <= 0 {
		maxCalls = 256
	}
	return &RedisCallRecordRepository{
		client:   client,
		ttl:      ttl,
		maxCalls: int64(maxCalls),
	}
}

func (r *RedisCallRecordRepository) callKey(id domain.CallID) string {
	return callKeyPrefix + string(id)
}

func (r *RedisCallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) (err error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "save", "redis")
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.callKey(record.CallID), data, r.ttl)
	pipe.ZAdd(ctx, recentCallsKey, redis.Z{
		Score:  float64(record.EndedAt.UnixMilli()),
		Member: string(record.CallID),
	})
	// keep the newest maxCalls members
	pipe.ZRemRangeByRank(ctx, recentCallsKey, 0, -r.maxCalls-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save call record in Redis: %w", err)
	}
	return nil
}

func (r *RedisCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "get", "redis")
	defer span.End()

	data, err := r.client.Get(ctx, r.callKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCallRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record from Redis: %w", err)
	}

	var record domain.CallRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

func (r *RedisCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "list_recent", "redis")
	defer span.End()
	start := time.Now()
	defer tracing.MeasureDuration(ctx, start, "list_recent")

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, recentCallsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent calls: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.CallRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.callKey(domain.CallID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load call records: %w", err)
	}

	records := make([]*domain.CallRecord, 0, len(values))
	var expired []interface{}
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			// record expired, index entry is stale
			expired = append(expired, ids[i])
			continue
		}
		var record domain.CallRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	if len(expired) > 0 {
		r.client.ZRem(ctx, recentCallsKey, expired...)
	}
	return records, nil
}

package memory

import (
	"context"
	"sort"
	"sync"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
)

// MemoryCallRecordRepository keeps the most recent capacity records.
type MemoryCallRecordRepository struct {
	records  map[domain.CallID]*domain.CallRecord
	order    []domain.CallID
	capacity int
	mu       sync.RWMutex
}

func NewMemoryCallRecordRepository(capacity int) ports.CallRecordRepository {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryCallRecordRepository{
		records:  make(map[domain.CallID]*domain.CallRecord),
		capacity: capacity,
	}
}

func (r *MemoryCallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	if _, exists := r.records[record.CallID]; !exists {
		r.order = append(r.order, record.CallID)
	}
	r.records[record.CallID] = &stored

	for len(r.order) > r.capacity {
		delete(r.records, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

func (r *MemoryCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, domain.ErrCallRecordNotFound
	}
	copied := *record
	return &copied, nil
}

// ListRecent returns records newest first by end time.
func (r *MemoryCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	r.mu.RLock()
	result := make([]*domain.CallRecord, 0, len(r.records))
	for _, record := range r.records {
		copied := *record
		result = append(result, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EndedAt.After(result[j].EndedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

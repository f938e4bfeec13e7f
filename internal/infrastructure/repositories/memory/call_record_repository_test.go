package memory

import (
	"context"
	"testing"
	"time"

	"pikacall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string, ended time.Time) *domain.CallRecord {
	return &domain.CallRecord{
		CallID:    domain.CallID(id),
		Group:     "g1",
		Peer:      "bb",
		Direction: domain.DirectionOutgoing,
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
		Reason:    domain.ReasonUserHangup,
	}
}

func TestCallRecordRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRecordRepository(10)

	now := time.Now()
	require.NoError(t, repo.Save(ctx, record("c1", now)))

	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUserHangup, got.Reason)

	got.Reason = "mutated"
	again, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUserHangup, again.Reason)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallRecordNotFound)
}

func TestCallRecordRepository_ListRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRecordRepository(10)

	base := time.Now()
	require.NoError(t, repo.Save(ctx, record("old", base.Add(-2*time.Hour))))
	require.NoError(t, repo.Save(ctx, record("new", base)))
	require.NoError(t, repo.Save(ctx, record("mid", base.Add(-time.Hour))))

	list, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.CallID("new"), list[0].CallID)
	assert.Equal(t, domain.CallID("mid"), list[1].CallID)
}

func TestCallRecordRepository_EvictsOldestInserted(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRecordRepository(2)

	now := time.Now()
	require.NoError(t, repo.Save(ctx, record("c1", now)))
	require.NoError(t, repo.Save(ctx, record("c2", now)))
	require.NoError(t, repo.Save(ctx, record("c3", now)))

	_, err := repo.GetByID(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrCallRecordNotFound)

	list, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

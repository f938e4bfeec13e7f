package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pikacall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "history", "calls.db")
}

func record(id string, ended time.Time) *domain.CallRecord {
	return &domain.CallRecord{
		CallID:    domain.CallID(id),
		Group:     "g1",
		Peer:      "bb",
		Direction: domain.DirectionIncoming,
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
		Reason:    domain.ReasonUserHangup,
		Stats:     domain.CallDebugStats{TxFrames: 42},
	}
}

func TestSQLiteRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, openTestDB(t), nil)
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteCallRecordRepository(db, 0, 10)
	now := time.Now()
	require.NoError(t, repo.Save(ctx, record("c1", now)))

	got, err := repo.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonUserHangup, got.Reason)
	assert.Equal(t, uint64(42), got.Stats.TxFrames)
	assert.Equal(t, now.UnixMilli(), got.EndedAt.UnixMilli())

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallRecordNotFound)
}

func TestSQLiteRepository_SaveOverwrites(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, openTestDB(t), nil)
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteCallRecordRepository(db, 0, 10)
	r := record("c1", time.Now())
	require.NoError(t, repo.Save(ctx, r))
	r.Reason = domain.ReasonTimeout
	require.NoError(t, repo.Save(ctx, r))

	list, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ReasonTimeout, list[0].Reason)
}

func TestSQLiteRepository_ListRecentAndTrim(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, openTestDB(t), nil)
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteCallRecordRepository(db, 0, 3)
	base := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.Save(ctx, record(id, base.Add(time.Duration(i)*time.Second))))
	}

	list, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.CallID("d"), list[0].CallID)
	assert.Equal(t, domain.CallID("b"), list[2].CallID)

	top, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	_, err = repo.GetByID(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrCallRecordNotFound)
}

func TestSQLiteRepository_TTL(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, openTestDB(t), nil)
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteCallRecordRepository(db, time.Hour, 10)
	now := time.Now()
	require.NoError(t, repo.Save(ctx, record("old", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Save(ctx, record("new", now)))

	list, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.CallID("new"), list[0].CallID)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := openTestDB(t)

	db, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 2, n)
}

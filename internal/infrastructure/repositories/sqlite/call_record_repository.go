package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/pkg/tracing"
)

type SQLiteCallRecordRepository struct {
	db       *sql.DB
	ttl      time.Duration
	maxCalls int
	now      func() time.Time
}

// NewSQLiteCallRecordRepository keeps at most maxCalls records and drops
// records that ended more than ttl ago (0 keeps them forever).
func NewSQLiteCallRecordRepository(db *sql.DB, ttl time.Duration, maxCalls int) ports.CallRecordRepository {
	if maxCalls <= 0 {
		maxCalls = 256
	}
	return &SQLiteCallRecordRepository{db: db, ttl: ttl, maxCalls: maxCalls, now: time.Now}
}

func (r *SQLiteCallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) (err error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "save", "sqlite")
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO call_records (call_id, group_id, peer, direction, started_at, ended_at, reason, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			reason   = excluded.reason,
			data     = excluded.data`,
		string(record.CallID), string(record.Group), string(record.Peer), string(record.Direction),
		record.StartedAt.UnixMilli(), record.EndedAt.UnixMilli(), record.Reason, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}

	if r.ttl > 0 {
		cutoff := r.now().Add(-r.ttl).UnixMilli()
		if _, err := tx.ExecContext(ctx, `DELETE FROM call_records WHERE ended_at < ?`, cutoff); err != nil {
			return fmt.Errorf("failed to expire call records: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM call_records WHERE call_id NOT IN (
			SELECT call_id FROM call_records ORDER BY ended_at DESC LIMIT ?
		)`, r.maxCalls)
	if err != nil {
		return fmt.Errorf("failed to trim call records: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteCallRecordRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "get", "sqlite")
	defer span.End()

	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM call_records WHERE call_id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCallRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return decodeRecord(data)
}

func (r *SQLiteCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "list_recent", "sqlite")
	defer span.End()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `SELECT data FROM call_records`
	args := []any{}
	if r.ttl > 0 {
		query += ` WHERE ended_at >= ?`
		args = append(args, r.now().Add(-r.ttl).UnixMilli())
	}
	query += ` ORDER BY ended_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent calls: %w", err)
	}
	defer rows.Close()

	records := []*domain.CallRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		record, err := decodeRecord(data)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func decodeRecord(data string) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

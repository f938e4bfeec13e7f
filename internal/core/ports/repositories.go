package ports

import (
	"context"

	"pikacall/internal/core/domain"
)

type CallRecordRepository interface {
	Save(ctx context.Context, record *domain.CallRecord) error
	GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error)
}

// CallEventPublisher fans call lifecycle events out to other processes.
type CallEventPublisher interface {
	PublishCallState(ctx context.Context, state domain.CallState) error
}

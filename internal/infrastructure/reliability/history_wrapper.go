package reliability

import (
	"context"
	"errors"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/pkg/circuitbreaker"
	"pikacall/pkg/retry"

	"go.uber.org/zap"
)

// CallRecordRepositoryWrapper guards a history store with a circuit breaker.
// Saves are retried; reads fail fast so API callers are not held up.
type CallRecordRepositoryWrapper struct {
	repo        ports.CallRecordRepository
	retryConfig retry.Config
	breaker     *circuitbreaker.CircuitBreaker
}

func NewCallRecordRepositoryWrapper(
	repo ports.CallRecordRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *CallRecordRepositoryWrapper {
	cbConfig.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrCallRecordNotFound) && !errors.Is(err, context.Canceled)
	}
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen, context.Canceled)

	return &CallRecordRepositoryWrapper{
		repo:        repo,
		retryConfig: retryConfig,
		breaker:     newBreaker("call_history", cbConfig, logger),
	}
}

func (w *CallRecordRepositoryWrapper) Save(ctx context.Context, record *domain.CallRecord) error {
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.breaker.Execute(ctx, func() error {
			return w.repo.Save(ctx, record)
		})
	})
}

func (w *CallRecordRepositoryWrapper) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	return circuitbreaker.Do(ctx, w.breaker, func() (*domain.CallRecord, error) {
		return w.repo.GetByID(ctx, id)
	})
}

func (w *CallRecordRepositoryWrapper) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	return circuitbreaker.Do(ctx, w.breaker, func() ([]*domain.CallRecord, error) {
		return w.repo.ListRecent(ctx, limit)
	})
}

func (w *CallRecordRepositoryWrapper) Breaker() *circuitbreaker.CircuitBreaker {
	return w.breaker
}

// EventPublisherWrapper drops call events while the bus is failing instead
// of paying a timeout on every transition.
type EventPublisherWrapper struct {
	publisher ports.CallEventPublisher
	breaker   *circuitbreaker.CircuitBreaker
}

func NewEventPublisherWrapper(publisher ports.CallEventPublisher, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *EventPublisherWrapper {
	return &EventPublisherWrapper{
		publisher: publisher,
		breaker:   newBreaker("call_events", cbConfig, logger),
	}
}

func (w *EventPublisherWrapper) PublishCallState(ctx context.Context, state domain.CallState) error {
	return w.breaker.Execute(ctx, func() error {
		return w.publisher.PublishCallState(ctx, state)
	})
}

func (w *EventPublisherWrapper) Breaker() *circuitbreaker.CircuitBreaker {
	return w.breaker
}

func newBreaker(name string, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(cfg)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			logger.Warnw("Circuit breaker opened", "dependency", name, "from", from.String())
			return
		}
		logger.Infow("Circuit breaker state changed", "dependency", name, "from", from.String(), "to", to.String())
	})
	return cb
}

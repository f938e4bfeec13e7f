package monitoring

import (
	"context"
	"fmt"
	"time"

	"pikacall/internal/core/ports"
	"pikacall/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck adds a call history health check
func (h *HealthChecker) AddRepositoryCheck(repo ports.CallRecordRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if _, err := repo.ListRecent(ctx, 1); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCallServiceCheck fails when the call service has no state to report.
func (h *HealthChecker) AddCallServiceCheck(calls ports.CallService, interval, timeout time.Duration) {
	h.AddCheck("call_service", func(ctx context.Context) (bool, error) {
		if calls.State().Status == "" {
			return false, fmt.Errorf("call service returned empty state")
		}
		return true, nil
	}, interval, timeout)
}

// AddCircuitBreakerCheck reports unhealthy while the breaker is open.
func (h *HealthChecker) AddCircuitBreakerCheck(name string, cb *circuitbreaker.CircuitBreaker, interval time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		stats := cb.GetStats()
		if stats.State == circuitbreaker.StateOpen {
			return false, fmt.Errorf("circuit open since %s: %v", stats.ChangedAt.Format(time.RFC3339), stats.LastError)
		}
		return true, nil
	}, interval, time.Second)
}

// AddReadinessCheck creates a readiness check that verifies all dependencies
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	repo ports.CallRecordRepository,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// Check Redis
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}

		// Check repository
		if repo != nil {
			if _, err := repo.ListRecent(ctx, 1); err != nil {
				return false, err
			}
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}

package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	last   map[string]checkResult
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type checkResult struct {
	message string
	at      time.Time
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		last: make(map[string]checkResult),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) string {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	healthy, err := check.Check(checkCtx)
	message := statusHealthy
	switch {
	case err != nil:
		message = err.Error()
	case !healthy:
		message = "check failed"
	}

	h.mu.Lock()
	h.last[check.Name] = checkResult{message: message, at: time.Now()}
	h.mu.Unlock()
	return message
}

// CheckAll runs every check now.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}
	for _, check := range h.snapshot() {
		message := h.run(ctx, check)
		status.Checks[check.Name] = message
		if message != statusHealthy {
			status.Status = statusUnhealthy
		}
	}
	return status
}

// LastStatus reports the most recent result of each check without running
// anything. Checks that never ran are reported as pending.
func (h *HealthChecker) LastStatus() HealthStatus {
	checks := h.snapshot()

	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, check := range checks {
		result, ok := h.last[check.Name]
		if !ok {
			status.Checks[check.Name] = "pending"
			continue
		}
		status.Checks[check.Name] = result.message
		if result.message != statusHealthy {
			status.Status = statusUnhealthy
		}
	}
	return status
}

func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, check := range h.snapshot() {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	h.run(ctx, check)

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.run(ctx, check)
		}
	}
}

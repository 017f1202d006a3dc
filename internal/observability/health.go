package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const readinessTimeout = 3 * time.Second

// HealthChecker aggregates readiness from registered dependency checks.
type HealthChecker struct {
	mu     sync.Mutex
	checks []dependencyCheck
	logger *slog.Logger
}

type dependencyCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency check for the readiness probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, dependencyCheck{name: name, check: check})
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// "ok" only when every check passes, "degraded" otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]dependencyCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for _, c := range checks {
		if err := c.check(checkCtx); err != nil {
			status.Status = "degraded"
			status.Checks[c.name] = CheckResult{Status: "fail", Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		status.Checks[c.name] = CheckResult{Status: "ok"}
	}
	return status
}

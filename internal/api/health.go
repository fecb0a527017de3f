package api

import (
	"context"
	"time"
)

type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Pinger is implemented by the signal store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunningChecker is implemented by the node and the UDP transport.
type RunningChecker interface {
	Running() bool
}

// HealthChecker reports on the store and the sync transport. A nil store
// means the node runs offline, which is reported as degraded.
type HealthChecker struct {
	store Pinger
	sync  RunningChecker
}

func NewHealthChecker(store Pinger, sync RunningChecker) *HealthChecker {
	return &HealthChecker{store: store, sync: sync}
}

// CheckLiveness is healthy whenever the process can answer.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	components := map[string]ComponentHealth{
		"database":  hc.checkDatabase(ctx),
		"transport": hc.checkTransport(),
	}

	overall := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overall = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overall = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.store == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "running offline, no signal store"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.store.Ping(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkTransport() ComponentHealth {
	if hc.sync == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "transport not configured"}
	}
	if !hc.sync.Running() {
		return ComponentHealth{Status: StatusError, Error: "transport not running"}
	}
	return ComponentHealth{Status: StatusOK}
}

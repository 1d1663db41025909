package vecpipe

import (
	"context"

	healthuc "github.com/kailas-cloud/vecpipe/internal/usecase/health"
)

// HealthStatus represents the aggregated health of the storage and the embedder.
type HealthStatus struct {
	Status string            // "ok", "degraded", "error"
	Checks map[string]string // component -> "ok"/"error"
}

// Health checks every registered component.
func (c *Client) Health(ctx context.Context) HealthStatus {
	report := c.health.Check(ctx)
	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	return HealthStatus{
		Status: string(report.Status),
		Checks: checks,
	}
}

// healthUseCase is the internal interface for health checks.
type healthUseCase interface {
	Check(ctx context.Context) healthuc.Report
	Register(name string, c healthuc.Checker) *healthuc.Service
}

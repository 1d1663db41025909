package health

import "context"

// Checker checks the availability of one component.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function, such as a store Ping, to Checker.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

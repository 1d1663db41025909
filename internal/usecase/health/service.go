package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates total failure.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

type component struct {
	name    string
	checker Checker
}

// Service coordinates health checks.
type Service struct {
	components []component
	timeout    time.Duration
}

// New creates a Service. Each check gets at most timeout; 0 means 5s.
func New(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{timeout: timeout}
}

// Register adds a named component. A nil checker is ignored.
func (s *Service) Register(name string, c Checker) *Service {
	if c != nil {
		s.components = append(s.components, component{name: name, checker: c})
	}
	return s
}

// Check runs all component checks concurrently.
// Every check failing is Unhealthy; some failing is Degraded.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult, len(s.components))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range s.components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			res := CheckOK
			if err := c.checker.HealthCheck(cctx); err != nil {
				res = CheckError
			}
			mu.Lock()
			checks[c.name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	failed := 0
	for _, v := range checks {
		if v == CheckError {
			failed++
		}
	}

	status := Healthy
	switch {
	case failed > 0 && failed == len(checks):
		status = Unhealthy
	case failed > 0:
		status = Degraded
	}
	return Report{Status: status, Checks: checks}
}

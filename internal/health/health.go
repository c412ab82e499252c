// Package health runs named dependency checks for the /health endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports a dependency problem as an error.
type Check func(ctx context.Context) error

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report is the aggregate result of one CheckAll.
type Report struct {
	Status  string    `json:"status"` // healthy, degraded or unhealthy
	Version string    `json:"version,omitempty"`
	Time    time.Time `json:"time"`
	Checks  []Status  `json:"checks"`
}

// Healthy reports whether every critical check passed.
func (r Report) Healthy() bool { return r.Status != "unhealthy" }

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	checks  []namedCheck
	timeout time.Duration
}

type namedCheck struct {
	name     string
	critical bool
	check    Check
}

// NewRegistry creates a registry whose checks each get two seconds.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// WithTimeout sets the per-check deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a critical check. A failing critical check makes the
// service unhealthy.
func (r *Registry) Register(name string, check Check) {
	r.add(namedCheck{name: name, critical: true, check: check})
}

// RegisterOptional adds a check whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Check) {
	r.add(namedCheck{name: name, check: check})
}

func (r *Registry) add(nc namedCheck) {
	r.mu.Lock()
	r.checks = append(r.checks, nc)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and aggregates the results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Add(1)
		go func(i int, nc namedCheck) {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	report := Report{Status: "healthy", Time: time.Now().UTC(), Checks: statuses}
	for _, s := range statuses {
		switch {
		case s.Healthy:
		case s.Critical:
			report.Status = "unhealthy"
		case report.Status == "healthy":
			report.Status = "degraded"
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, nc namedCheck) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- nc.check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s := Status{
		Name:      nc.name,
		Healthy:   err == nil,
		Critical:  nc.critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.Detail = err.Error()
	}
	return s
}

// Handler serves the aggregate report: 200 unless a critical check fails.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := r.CheckAll(c.Request.Context())
		report.Version = version
		code := http.StatusOK
		if !report.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}

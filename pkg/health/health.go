package health

import (
	"context"
	"time"
)

// Result is the outcome of a single probe against one dependency.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one external dependency once. The observer runs one before
// each poll of its review source; an operator can also point one at the turn
// runner binary.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config bounds how eagerly a Status flips to unhealthy.
type Config struct {
	// Retries is the number of consecutive failed probes required before
	// the dependency is reported unhealthy. A single success recovers it.
	Retries int
}

// Status folds a stream of probe Results into a debounced verdict: a
// dependency stays healthy through up to Retries-1 consecutive failures,
// flips unhealthy at the threshold, and recovers on the first success.
// pkg/ratelimit reuses the same counters to pace per-agent retry backoff.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// NewStatus starts healthy; a dependency has to prove itself broken.
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds one probe result into the status.
func (s *Status) Update(result Result, config Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

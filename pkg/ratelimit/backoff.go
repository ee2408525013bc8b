package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/taskmesh/agentbus/pkg/health"
)

// BackoffTracker keys a health.Status per agent, reusing its
// ConsecutiveFailures/ConsecutiveSuccesses hysteresis to drive an exponential
// backoff-with-jitter schedule instead of a healthy/unhealthy verdict: same
// state shape, new purpose.
type BackoffTracker struct {
	mu       sync.Mutex
	statuses map[string]*health.Status
	base     time.Duration
	max      time.Duration
	jitter   time.Duration
}

// NewBackoffTracker returns a tracker whose delays grow from base, doubling
// per consecutive transient failure, capped at max, plus up to jitter of
// random skew.
func NewBackoffTracker(base, max, jitter time.Duration) *BackoffTracker {
	return &BackoffTracker{
		statuses: make(map[string]*health.Status),
		base:     base,
		max:      max,
		jitter:   jitter,
	}
}

func (t *BackoffTracker) statusFor(agent string) *health.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[agent]
	if !ok {
		s = health.NewStatus()
		t.statuses[agent] = s
	}
	return s
}

// RecordFailure registers a transient turn failure for agent (rate-limit or
// stream-disconnect) and returns the delay to wait before the
// next attempt.
func (t *BackoffTracker) RecordFailure(agent string) time.Duration {
	s := t.statusFor(agent)
	s.Update(health.Result{Healthy: false, CheckedAt: time.Now()}, health.Config{Retries: 1})

	t.mu.Lock()
	failures := s.ConsecutiveFailures
	t.mu.Unlock()

	delay := time.Duration(float64(t.base) * math.Pow(2, float64(failures-1)))
	if delay > t.max {
		delay = t.max
	}
	if t.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(t.jitter)))
	}
	return delay
}

// RecordSuccess resets an agent's backoff state after a clean turn.
func (t *BackoffTracker) RecordSuccess(agent string) {
	s := t.statusFor(agent)
	s.Update(health.Result{Healthy: true, CheckedAt: time.Now()}, health.Config{Retries: 1})
}

// ConsecutiveFailures reports how many transient failures agent has
// accumulated without an intervening success.
func (t *BackoffTracker) ConsecutiveFailures(agent string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[agent]
	if !ok {
		return 0
	}
	return s.ConsecutiveFailures
}

// Package turnrunner implements the two Turn Runner realizations:
// a one-shot child process and a long-lived JSON-RPC child. Both satisfy
// Runner so the Supervisor can treat them identically.
package turnrunner

import (
	"context"
	"strings"
	"time"
)

// Status is the terminal disposition of one turn attempt.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusSuperseded   Status = "superseded"
	StatusTimedOut     Status = "timed_out"
	StatusRateLimited  Status = "rate_limited"
	StatusDisconnected Status = "stream_disconnected"
)

// Watch carries the two conditions the Supervisor races a running turn
// against: supersede (the packet's mtime has moved past the baseline) and
// timeout (the turn's wall-clock budget is exhausted). The Superseded channel
// firing or the Deadline passing causes the Runner to interrupt the turn.
type Watch struct {
	Superseded <-chan struct{}
	Deadline   time.Time
}

// Request is everything a Runner needs to execute one turn.
type Request struct {
	Prompt          string
	OutputSchemaRef string
	OutputPath      string
	WorkDir         string
	ThreadID        string // resume identifier, empty to start fresh
	KillGrace       time.Duration
}

// Result is what a completed (or aborted) turn produced.
type Result struct {
	ThreadID   string
	OutputPath string
	Status     Status
	RetryAfter time.Duration // set when Status == StatusRateLimited
	Err        error
}

// Runner is the abstract "execute one prompt" contract. The
// Supervisor is written against this interface only; it never type-switches
// on which realization it holds.
type Runner interface {
	// RunTurn executes req, racing completion against watch, and returns
	// once the turn finishes, is superseded, or times out.
	RunTurn(ctx context.Context, req Request, watch Watch) Result
}

// rateLimitMarker and disconnectMarker are the free-form text markers both
// Runner realizations scan a failed turn's diagnostic output for.
// Rate-limit text detection and Retry-After parsing live in the Turn Runner
// realization, not the Rate Coordinator.
const (
	rateLimitMarker  = "rate limit"
	disconnectMarker = "stream disconnected"
	retryAfterMarker = "retry-after:"
)

// classifyFailure inspects free-form diagnostic text (stderr output for the
// one-shot runner, an RPC error message for the JSON-RPC runner) for the
// rate-limit and stream-disconnect markers. ok is false when neither marker
// is present, meaning the caller should report plain StatusFailed instead.
func classifyFailure(text string) (status Status, retryAfter time.Duration, ok bool) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, rateLimitMarker):
		return StatusRateLimited, parseRetryAfter(text), true
	case strings.Contains(lower, disconnectMarker):
		return StatusDisconnected, 0, true
	default:
		return "", 0, false
	}
}

// parseRetryAfter extracts a "retry-after: <duration>" hint from free-form
// text. Returns 0 if absent or unparseable.
func parseRetryAfter(text string) time.Duration {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, retryAfterMarker)
	if idx < 0 {
		return 0
	}
	rest := strings.TrimSpace(text[idx+len(retryAfterMarker):])
	if end := strings.IndexAny(rest, " \t\n"); end >= 0 {
		rest = rest[:end]
	}
	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0
	}
	return d
}

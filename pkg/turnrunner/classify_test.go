package turnrunner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailureDetectsRateLimitWithRetryAfter(t *testing.T) {
	status, retryAfter, ok := classifyFailure("upstream said: Rate limit exceeded, Retry-After: 30s please wait")
	assert.True(t, ok)
	assert.Equal(t, StatusRateLimited, status)
	assert.Equal(t, 30*time.Second, retryAfter)
}

func TestClassifyFailureDetectsRateLimitWithoutRetryAfter(t *testing.T) {
	status, retryAfter, ok := classifyFailure("error: rate limit hit")
	assert.True(t, ok)
	assert.Equal(t, StatusRateLimited, status)
	assert.Zero(t, retryAfter)
}

func TestClassifyFailureDetectsDisconnect(t *testing.T) {
	status, retryAfter, ok := classifyFailure("fatal: stream disconnected unexpectedly")
	assert.True(t, ok)
	assert.Equal(t, StatusDisconnected, status)
	assert.Zero(t, retryAfter)
}

func TestClassifyFailureFallsThroughOnPlainFailure(t *testing.T) {
	_, _, ok := classifyFailure("panic: nil pointer dereference")
	assert.False(t, ok)
}

func TestParseRetryAfterIgnoresUnparseableDuration(t *testing.T) {
	assert.Zero(t, parseRetryAfter("Retry-After: soon"))
}

func TestParseRetryAfterIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, 2*time.Minute, parseRetryAfter("RETRY-AFTER: 2m"))
}

package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCheckerHealthyReviewSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := NewHTTPChecker(srv.URL + "/api/ping").Check(context.Background())
	assert.True(t, result.Healthy)
	assert.Contains(t, result.Message, "HTTP 200")
}

func TestHTTPCheckerServerErrorIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	result := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "HTTP 503")
}

func TestHTTPCheckerUnreachableSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	result := NewHTTPChecker(url).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestTCPCheckerConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	result := NewTCPChecker(ln.Addr().String()).Check(context.Background())
	assert.True(t, result.Healthy)
}

func TestTCPCheckerClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestExecCheckerTurnRunnerPresent(t *testing.T) {
	result := NewExecChecker([]string{"true"}).Check(context.Background())
	assert.True(t, result.Healthy)
}

func TestExecCheckerFailingCommand(t *testing.T) {
	result := NewExecChecker([]string{"false"}).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestExecCheckerEmptyCommand(t *testing.T) {
	result := NewExecChecker(nil).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, "no command specified", result.Message)
}

func TestStatusDebouncesFlappingSource(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 3}

	fail := Result{Healthy: false, Message: "request failed"}
	ok := Result{Healthy: true}

	s.Update(fail, cfg)
	s.Update(fail, cfg)
	assert.True(t, s.Healthy, "below the retry threshold the source is still trusted")
	assert.Equal(t, 2, s.ConsecutiveFailures)

	s.Update(fail, cfg)
	assert.False(t, s.Healthy, "the threshold failure flips the verdict")

	s.Update(ok, cfg)
	assert.True(t, s.Healthy, "one success recovers")
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestStatusSingleRetryFlipsImmediately(t *testing.T) {
	s := NewStatus()
	s.Update(Result{Healthy: false}, Config{Retries: 1})
	assert.False(t, s.Healthy)
}

package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetRegistry(t *testing.T) {
	t.Helper()
	old := registry
	registry = newHealthRegistry()
	t.Cleanup(func() { registry = old })
}

func TestRegisterComponentReplacesPriorReport(t *testing.T) {
	resetRegistry(t)

	RegisterComponent("supervisor:exec", true, "ready")
	RegisterComponent("supervisor:exec", false, "bus unreachable")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: bus unreachable", health.Components["supervisor:exec"])
}

func TestGetHealthEmptyRegistryIsHealthy(t *testing.T) {
	resetRegistry(t)

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Empty(t, health.Components)
}

func TestGetHealthAllComponentsHealthy(t *testing.T) {
	resetRegistry(t)

	RegisterComponent("supervisor:exec", true, "ready")
	RegisterComponent("observer:pr", true, "ready")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.NotEmpty(t, health.Uptime)
}

func TestGetReadinessBeforeRegistration(t *testing.T) {
	resetRegistry(t)

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "no component registered yet", readiness.Message)
}

func TestGetReadinessAfterRegistration(t *testing.T) {
	resetRegistry(t)

	RegisterComponent("orchestrator", true, "ready")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Equal(t, "ready", readiness.Components["orchestrator"])
}

func TestGetReadinessUnhealthyComponent(t *testing.T) {
	resetRegistry(t)

	RegisterComponent("observer:pr", false, "source unreachable")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for observer:pr", readiness.Message)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetRegistry(t)

	RegisterComponent("supervisor:exec", true, "ready")
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	RegisterComponent("supervisor:exec", false, "bus unreachable")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetRegistry(t)

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before any component registers")

	RegisterComponent("forward", true, "ready")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetRegistry(t)

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadLayersYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
busRoot: /var/lib/agentbus
globalMaxInFlight: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/agentbus", cfg.BusRoot)
	assert.Equal(t, 8, cfg.GlobalMaxInFlight)
	// Fields the file doesn't mention keep their defaults.
	assert.Equal(t, Default().PollInterval, cfg.PollInterval)
}

func TestLoadEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("globalMaxInFlight: 8\n"), 0o644))

	t.Setenv("AGENTBUS_GLOBAL_MAX_IN_FLIGHT", "16")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.GlobalMaxInFlight)
}

func TestLoadEnvOverridesDurationAndBool(t *testing.T) {
	t.Setenv("AGENTBUS_POLL_INTERVAL", "750ms")
	t.Setenv("AGENTBUS_FORWARD_TO_OPERATOR", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.ForwardToOperator)
}

func TestLoadMalformedEnvOverrideIsIgnored(t *testing.T) {
	t.Setenv("AGENTBUS_GLOBAL_MAX_IN_FLIGHT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().GlobalMaxInFlight, cfg.GlobalMaxInFlight)
}

func TestValidateRejectsEmptyBusRoot(t *testing.T) {
	cfg := Default()
	cfg.BusRoot = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveMaxInFlight(t *testing.T) {
	cfg := Default()
	cfg.GlobalMaxInFlight = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeSelfRemediation(t *testing.T) {
	cfg := Default()
	cfg.SelfRemediation = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownTurnRunnerEngine(t *testing.T) {
	cfg := Default()
	cfg.TurnRunnerEngine = "not-a-real-engine"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownObserverColdStart(t *testing.T) {
	cfg := Default()
	cfg.ObserverColdStart = "not-a-real-mode"
	assert.Error(t, cfg.Validate())
}

func TestLoadRosterAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: alice
    autopilot: true
    skills: [go, review]
  - name: bob
    skills: [docs]
`), 0o644))

	roster, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, roster.Names())

	alice, ok := roster.Lookup("alice")
	require.True(t, ok)
	assert.True(t, alice.Autopilot)
	assert.Equal(t, []string{"go", "review"}, alice.Skills)

	_, ok = roster.Lookup("carol")
	assert.False(t, ok)
}

func TestLoadRosterMissingFileErrors(t *testing.T) {
	_, err := LoadRoster(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

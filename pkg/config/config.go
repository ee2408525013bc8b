// Package config loads the structured runtime configuration: defaults, then
// a YAML file, then environment variable overrides, read once at process
// start and never re-read mid-turn.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DigestMode controls how much detail the Orchestrator Forwarder puts into a
// downstream digest packet.
type DigestMode string

const (
	DigestCompact DigestMode = "compact"
	DigestVerbose DigestMode = "verbose"
)

// ColdStartMode controls how the Observer treats the first poll of a source
// it has no persisted state for.
type ColdStartMode string

const (
	ColdStartBaseline ColdStartMode = "baseline"
	ColdStartReplay   ColdStartMode = "replay"
)

// TurnRunnerEngine selects which Turn Runner realization the Supervisor uses.
type TurnRunnerEngine string

const (
	EngineOneShot   TurnRunnerEngine = "one-shot"
	EngineLongLived TurnRunnerEngine = "long-lived"
)

// Config is the single structured configuration object every component is
// constructed from. It has deterministic defaults; no option changes
// behavior unless explicitly set.
type Config struct {
	// Paths
	BusRoot      string `yaml:"busRoot"`
	RosterPath   string `yaml:"rosterPath"`
	WorktreeRoot string `yaml:"worktreeRoot"`

	// Supervisor timing
	PollInterval     time.Duration    `yaml:"pollInterval"`
	TurnTimeout      time.Duration    `yaml:"turnTimeout"`
	KillGrace        time.Duration    `yaml:"killGrace"`
	SupersedePoll    time.Duration    `yaml:"supersedePoll"`
	MaxFollowUps     int              `yaml:"maxFollowUps"`
	SelfRemediation  int              `yaml:"selfRemediationMaxDepth"`
	TurnRunnerEngine TurnRunnerEngine `yaml:"turnRunnerEngine"`

	// Rate coordinator
	GlobalMaxInFlight int           `yaml:"globalMaxInFlight"`
	MinCooldown       time.Duration `yaml:"minCooldown"`
	RetryBase         time.Duration `yaml:"retryBase"`
	RetryMax          time.Duration `yaml:"retryMax"`
	RetryJitter       time.Duration `yaml:"retryJitter"`

	// Orchestrator
	DigestModes       map[string]DigestMode `yaml:"digestModes"`
	ForwardToOperator bool                  `yaml:"forwardToOperator"`

	// Observer
	ObserverColdStart    ColdStartMode `yaml:"observerColdStart"`
	ObserverPollInterval time.Duration `yaml:"observerPollInterval"`
	ObserverMinItemID    string        `yaml:"observerMinItemId"`
	ObserverItemList     []string      `yaml:"observerItemList"`

	// Metrics/health
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns a Config with deterministic defaults.
func Default() Config {
	return Config{
		BusRoot:      "./agentbus-data",
		RosterPath:   "./agentbus-data/roster.yaml",
		WorktreeRoot: "./worktrees",

		PollInterval:     300 * time.Millisecond,
		TurnTimeout:      2 * time.Hour,
		KillGrace:        10 * time.Second,
		SupersedePoll:    1 * time.Second,
		MaxFollowUps:     5,
		SelfRemediation:  1,
		TurnRunnerEngine: EngineOneShot,

		GlobalMaxInFlight: 4,
		MinCooldown:       0,
		RetryBase:         2 * time.Second,
		RetryMax:          2 * time.Minute,
		RetryJitter:       500 * time.Millisecond,

		DigestModes:       map[string]DigestMode{"autopilot": DigestCompact},
		ForwardToOperator: false,

		ObserverColdStart:    ColdStartBaseline,
		ObserverPollInterval: 2 * time.Minute,

		MetricsAddr: "",
	}
}

// Load builds a Config by layering a YAML file (if path is non-empty and
// exists) over Default(), then applying AGENTBUS_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the invariants any parsed configuration must satisfy.
func (c Config) Validate() error {
	if c.BusRoot == "" {
		return fmt.Errorf("config: busRoot must not be empty")
	}
	if c.GlobalMaxInFlight < 1 {
		return fmt.Errorf("config: globalMaxInFlight must be >= 1, got %d", c.GlobalMaxInFlight)
	}
	if c.SelfRemediation < 0 {
		return fmt.Errorf("config: selfRemediationMaxDepth must be >= 0, got %d", c.SelfRemediation)
	}
	switch c.TurnRunnerEngine {
	case EngineOneShot, EngineLongLived:
	default:
		return fmt.Errorf("config: unknown turnRunnerEngine %q", c.TurnRunnerEngine)
	}
	switch c.ObserverColdStart {
	case ColdStartBaseline, ColdStartReplay:
	default:
		return fmt.Errorf("config: unknown observerColdStart %q", c.ObserverColdStart)
	}
	return nil
}

// envOverride is one AGENTBUS_* variable bound to a setter. Read once at
// startup; never re-applied mid-turn.
type envOverride struct {
	key string
	set func(*Config, string) error
}

var envOverrides = []envOverride{
	{"AGENTBUS_BUS_ROOT", func(c *Config, v string) error { c.BusRoot = v; return nil }},
	{"AGENTBUS_ROSTER_PATH", func(c *Config, v string) error { c.RosterPath = v; return nil }},
	{"AGENTBUS_WORKTREE_ROOT", func(c *Config, v string) error { c.WorktreeRoot = v; return nil }},
	{"AGENTBUS_POLL_INTERVAL", durationSetter(func(c *Config) *time.Duration { return &c.PollInterval })},
	{"AGENTBUS_TURN_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.TurnTimeout })},
	{"AGENTBUS_KILL_GRACE", durationSetter(func(c *Config) *time.Duration { return &c.KillGrace })},
	{"AGENTBUS_SUPERSEDE_POLL", durationSetter(func(c *Config) *time.Duration { return &c.SupersedePoll })},
	{"AGENTBUS_MAX_FOLLOW_UPS", intSetter(func(c *Config) *int { return &c.MaxFollowUps })},
	{"AGENTBUS_SELF_REMEDIATION_MAX_DEPTH", intSetter(func(c *Config) *int { return &c.SelfRemediation })},
	{"AGENTBUS_TURN_RUNNER_ENGINE", func(c *Config, v string) error { c.TurnRunnerEngine = TurnRunnerEngine(v); return nil }},
	{"AGENTBUS_GLOBAL_MAX_IN_FLIGHT", intSetter(func(c *Config) *int { return &c.GlobalMaxInFlight })},
	{"AGENTBUS_MIN_COOLDOWN", durationSetter(func(c *Config) *time.Duration { return &c.MinCooldown })},
	{"AGENTBUS_RETRY_BASE", durationSetter(func(c *Config) *time.Duration { return &c.RetryBase })},
	{"AGENTBUS_RETRY_MAX", durationSetter(func(c *Config) *time.Duration { return &c.RetryMax })},
	{"AGENTBUS_RETRY_JITTER", durationSetter(func(c *Config) *time.Duration { return &c.RetryJitter })},
	{"AGENTBUS_FORWARD_TO_OPERATOR", boolSetter(func(c *Config) *bool { return &c.ForwardToOperator })},
	{"AGENTBUS_OBSERVER_COLD_START", func(c *Config, v string) error { c.ObserverColdStart = ColdStartMode(v); return nil }},
	{"AGENTBUS_OBSERVER_POLL_INTERVAL", durationSetter(func(c *Config) *time.Duration { return &c.ObserverPollInterval })},
	{"AGENTBUS_OBSERVER_MIN_ITEM_ID", func(c *Config, v string) error { c.ObserverMinItemID = v; return nil }},
	{"AGENTBUS_OBSERVER_ITEM_LIST", func(c *Config, v string) error { c.ObserverItemList = strings.Split(v, ","); return nil }},
	{"AGENTBUS_METRICS_ADDR", func(c *Config, v string) error { c.MetricsAddr = v; return nil }},
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*field(c) = d
		return nil
	}
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", v, err)
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid bool %q: %w", v, err)
		}
		*field(c) = b
		return nil
	}
}

func applyEnvOverrides(c *Config) {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.set(c, v); err != nil {
			// A malformed override is a startup-time mistake, not a runtime
			// one; keep the default rather than silently corrupting state.
			continue
		}
	}
}

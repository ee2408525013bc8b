package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // profiling endpoints
	"os"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/config"
	"github.com/taskmesh/agentbus/pkg/log"
	"github.com/taskmesh/agentbus/pkg/metrics"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentbus",
	Short: "AgentBus - file-backed multi-agent task orchestration runtime",
	Long: `AgentBus coordinates long-running LLM agents through a deterministic
task lifecycle over a filesystem-shaped message bus: per-agent inboxes,
atomic state transitions, and crash-safe delivery of tasks and receipts.`,
	Version: Version,
}

var cfg config.Config

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentbus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("bus-root", "", "AgentBus root directory (overrides config)")
	rootCmd.PersistentFlags().String("roster", "", "Roster YAML path (overrides config)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve /metrics, /health, /ready, /live on (overrides config)")

	cobra.OnInitialize(initLoggingAndConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(forwardCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(lockCmd)
}

func initLoggingAndConfig() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})

	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	loaded, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	if v, _ := rootCmd.PersistentFlags().GetString("bus-root"); v != "" {
		cfg.BusRoot = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("roster"); v != "" {
		cfg.RosterPath = v
	}
	if v, _ := rootCmd.PersistentFlags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
}

// maybeServeMetrics starts the Prometheus/health HTTP server in the
// background when cfg.MetricsAddr is set (pkg/metrics.Handler/HealthHandler).
func maybeServeMetrics(component string) {
	if cfg.MetricsAddr == "" {
		return
	}
	metrics.RegisterComponent(component, true, "ready")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	addr := cfg.MetricsAddr
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("metrics endpoint serving")
}

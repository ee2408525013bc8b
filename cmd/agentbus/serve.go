package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/config"
	"github.com/taskmesh/agentbus/pkg/events"
	"github.com/taskmesh/agentbus/pkg/log"
	"github.com/taskmesh/agentbus/pkg/metrics"
	"github.com/taskmesh/agentbus/pkg/ratelimit"
	"github.com/taskmesh/agentbus/pkg/supervisor"
	"github.com/taskmesh/agentbus/pkg/turnrunner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one Worker Supervisor loop for a named agent",
	Long: `serve acquires the named agent's Worker Lock and runs its Supervisor
loop (claim -> run turn -> dispatch follow-ups -> close) until SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("agent", "", "Agent name to serve (required, must be on the roster)")
	serveCmd.Flags().String("turn-cmd", "", "Shell command that executes one turn (required)")
	_ = serveCmd.MarkFlagRequired("agent")
	_ = serveCmd.MarkFlagRequired("turn-cmd")
}

func runServe(cmd *cobra.Command, args []string) error {
	agentName, _ := cmd.Flags().GetString("agent")
	turnCmd, _ := cmd.Flags().GetString("turn-cmd")

	roster, err := config.LoadRoster(cfg.RosterPath)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	spec, ok := roster.Lookup(agentName)
	if !ok {
		return fmt.Errorf("agent %q is not on the roster at %s", agentName, cfg.RosterPath)
	}

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer store.Close()

	lock, err := supervisor.AcquireWorkerLock(cfg.BusRoot, agentName)
	if err != nil {
		return err
	}
	defer lock.Release()

	semaphore, err := ratelimit.NewSemaphore(filepath.Join(cfg.BusRoot, "state", "semaphore"), cfg.GlobalMaxInFlight)
	if err != nil {
		return fmt.Errorf("init semaphore: %w", err)
	}
	cooldown := ratelimit.NewCooldown(filepath.Join(cfg.BusRoot, "state"))
	backoff := ratelimit.NewBackoffTracker(cfg.RetryBase, cfg.RetryMax, cfg.RetryJitter)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	runner := buildRunner(cfg.TurnRunnerEngine, turnCmd)

	sup := supervisor.New(spec, roster, store, runner, cfg, semaphore, cooldown, backoff, broker, log.WithAgent(agentName))

	collector := metrics.NewCollector(store, roster.Names())
	collector.Start()
	defer collector.Stop()

	maybeServeMetrics("supervisor:" + agentName)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Str("agent", agentName).Msg("shutdown requested")
		sup.Stop()
		cancel()
	}()

	log.Logger.Info().Str("agent", agentName).Msg("supervisor starting")
	return sup.Run(ctx)
}

// buildRunner constructs the configured Turn Runner realization over the
// operator-supplied turn-cmd (the LLM subprocess itself stays external; this
// only shells out to whatever the operator points it at).
func buildRunner(engine config.TurnRunnerEngine, turnCmd string) turnrunner.Runner {
	fields := strings.Fields(turnCmd)
	switch engine {
	case config.EngineLongLived:
		return turnrunner.NewJSONRPCRunner(func() *exec.Cmd {
			return exec.Command(fields[0], fields[1:]...)
		})
	default:
		return turnrunner.NewOneShotRunner(func(resume string) *exec.Cmd {
			argv := append([]string{}, fields[1:]...)
			if resume != "" {
				argv = append(argv, "--resume", resume)
			}
			return exec.Command(fields[0], argv...)
		})
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/log"
	"github.com/taskmesh/agentbus/pkg/orchestrator"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Run the Orchestrator Forwarder once, or continuously with --watch",
	RunE:  runForward,
}

func init() {
	forwardCmd.Flags().Bool("watch", false, "Run continuously instead of a single pass")
}

func runForward(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer store.Close()

	fwd := orchestrator.New(store, cfg, log.WithComponent("orchestrator"))

	maybeServeMetrics("orchestrator")

	if !watch {
		return fwd.RunOnce()
	}
	fwd.Run()
	return nil
}

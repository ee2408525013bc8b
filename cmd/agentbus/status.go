package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the bus's inbox state summary for each roster agent",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("agent", "", "Limit to a single agent")
}

func runStatus(cmd *cobra.Command, args []string) error {
	agentFilter, _ := cmd.Flags().GetString("agent")

	roster, err := config.LoadRoster(cfg.RosterPath)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	names := roster.Names()
	if agentFilter != "" {
		names = []string{agentFilter}
	}

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer store.Close()

	summaries, err := store.StatusSummary(names)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Printf("%-20s new=%-4d seen=%-4d in_progress=%-4d processed=%-4d\n",
			s.Agent, s.Counts[bus.StateNew], s.Counts[bus.StateSeen], s.Counts[bus.StateInProgress], s.Counts[bus.StateProcessed])
	}
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/bus"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox <agent>",
	Short: "List task ids in an agent's inbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runInbox,
}

func init() {
	inboxCmd.Flags().String("state", string(bus.StateNew), "Inbox state: new, seen, in_progress, or processed")
}

func runInbox(cmd *cobra.Command, args []string) error {
	agent := args[0]
	state, _ := cmd.Flags().GetString("state")

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer store.Close()

	ids, err := store.ListInbox(agent, bus.State(state))
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

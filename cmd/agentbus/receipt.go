package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/bus"
)

var receiptCmd = &cobra.Command{
	Use:   "receipt <agent> <taskId>",
	Short: "Print the receipt for a closed (agent, task) pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runReceipt,
}

func runReceipt(cmd *cobra.Command, args []string) error {
	agent, taskID := args[0], args[1]

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer store.Close()

	receipt, err := store.ReadReceipt(agent, taskID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

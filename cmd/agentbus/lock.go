package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/supervisor"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and rotate per-agent worker locks",
}

var lockRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Remove a stale worker lock left by a dead supervisor",
	Long: `rotate removes the named agent's worker lock if its recorded pid is no
longer alive. A supervisor never rotates a stale lock on its own; this is the
operator tooling it defers to. Rotation is refused while the holder is alive.`,
	RunE: runLockRotate,
}

func init() {
	lockRotateCmd.Flags().String("agent", "", "Agent whose lock to rotate (required)")
	_ = lockRotateCmd.MarkFlagRequired("agent")
	lockCmd.AddCommand(lockRotateCmd)
}

func runLockRotate(cmd *cobra.Command, args []string) error {
	agent, _ := cmd.Flags().GetString("agent")
	if err := supervisor.RotateStaleLock(cfg.BusRoot, agent); err != nil {
		return err
	}
	fmt.Printf("rotated worker lock for agent %s\n", agent)
	return nil
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/config"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Deliver one task packet, or a batch from a YAML manifest",
	Long: `enqueue is a one-shot invocation of the Deliverer: it writes a
task into every recipient's new inbox. Pass --file to load one or more tasks
from a YAML manifest instead of individual flags.`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringSlice("to", nil, "Recipient agent name(s)")
	enqueueCmd.Flags().String("from", "operator", "Origin agent or system component")
	enqueueCmd.Flags().String("priority", "P2", "Priority: P1, P2, or P3")
	enqueueCmd.Flags().String("kind", string(bus.SignalUserRequest), "Signal kind")
	enqueueCmd.Flags().String("phase", "", "Signal phase")
	enqueueCmd.Flags().String("root-id", "", "Workflow root id (left empty when not given)")
	enqueueCmd.Flags().String("parent-id", "", "Direct lineage parent id")
	enqueueCmd.Flags().String("title", "", "Task title")
	enqueueCmd.Flags().String("body", "", "Task body")
	enqueueCmd.Flags().String("file", "", "YAML manifest of one or more tasks")
}

// manifestTask mirrors DeliverRequest's shape for YAML manifests.
type manifestTask struct {
	To         []string          `yaml:"to"`
	From       string            `yaml:"from"`
	Priority   string            `yaml:"priority"`
	Title      string            `yaml:"title"`
	Body       string            `yaml:"body"`
	Kind       string            `yaml:"kind"`
	Phase      string            `yaml:"phase"`
	RootID     string            `yaml:"rootId"`
	ParentID   string            `yaml:"parentId"`
	Smoke      bool              `yaml:"smoke"`
	References map[string]string `yaml:"references"`
}

type manifest struct {
	Tasks []manifestTask `yaml:"tasks"`
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer store.Close()
	deliverer := bus.NewDeliverer(store)
	// Validate recipients against the roster when one is configured; ad-hoc
	// use against a bare bus root stays unvalidated.
	if roster, err := config.LoadRoster(cfg.RosterPath); err == nil {
		deliverer.WithRoster(roster.Names())
	}

	file, _ := cmd.Flags().GetString("file")
	if file != "" {
		return enqueueManifest(deliverer, file)
	}

	to, _ := cmd.Flags().GetStringSlice("to")
	from, _ := cmd.Flags().GetString("from")
	priority, _ := cmd.Flags().GetString("priority")
	kind, _ := cmd.Flags().GetString("kind")
	phase, _ := cmd.Flags().GetString("phase")
	rootID, _ := cmd.Flags().GetString("root-id")
	parentID, _ := cmd.Flags().GetString("parent-id")
	title, _ := cmd.Flags().GetString("title")
	body, _ := cmd.Flags().GetString("body")

	if len(to) == 0 || title == "" {
		return fmt.Errorf("enqueue: --to and --title are required without --file")
	}

	id, paths, err := deliverer.Send(bus.DeliverRequest{
		To:       to,
		From:     from,
		Priority: bus.Priority(priority),
		Title:    title,
		Body:     body,
		Signals: bus.Signals{
			Kind:     bus.SignalKind(kind),
			Phase:    phase,
			RootID:   rootID,
			ParentID: parentID,
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("delivered %s to %s\n", id, strings.Join(paths, ", "))
	return nil
}

func enqueueManifest(deliverer *bus.Deliverer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}
	for _, t := range m.Tasks {
		id, _, err := deliverer.Send(bus.DeliverRequest{
			To:       t.To,
			From:     t.From,
			Priority: bus.Priority(t.Priority),
			Title:    t.Title,
			Body:     t.Body,
			Signals: bus.Signals{
				Kind:     bus.SignalKind(t.Kind),
				Phase:    t.Phase,
				RootID:   t.RootID,
				ParentID: t.ParentID,
				Smoke:    t.Smoke,
			},
			References: t.References,
		})
		if err != nil {
			return fmt.Errorf("deliver %q: %w", t.Title, err)
		}
		fmt.Printf("delivered %s (%s)\n", id, t.Title)
	}
	return nil
}

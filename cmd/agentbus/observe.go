package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/health"
	"github.com/taskmesh/agentbus/pkg/log"
	"github.com/taskmesh/agentbus/pkg/observer"
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Run one Observer poll cycle against an external review source",
	Long: `observe reads a source's currently open items from a JSON items file
(the concrete review surface, e.g. a PR host client, is out of scope per the
core's design: plug in a observer.Source implementation that talks to it) and
diffs them against persisted per-source state, emitting
REVIEW_ACTION_REQUIRED packets for new actionable items.`,
	RunE: runObserve,
}

func init() {
	observeCmd.Flags().String("source", "", "Source id (required)")
	observeCmd.Flags().String("items-file", "", "JSON file listing the source's currently open items (required)")
	observeCmd.Flags().String("health-check", "", "Pre-flight dependency check: http=<url>, tcp=<addr>, or exec=<cmd with args>")
	_ = observeCmd.MarkFlagRequired("source")
	_ = observeCmd.MarkFlagRequired("items-file")
}

// buildHealthChecker parses --health-check's "type=target" form into the
// matching health.Checker.
func buildHealthChecker(spec string) (health.Checker, error) {
	if spec == "" {
		return nil, nil
	}
	kind, target, ok := strings.Cut(spec, "=")
	if !ok {
		return nil, fmt.Errorf("--health-check must be of the form type=target, got %q", spec)
	}
	switch kind {
	case "http":
		return health.NewHTTPChecker(target), nil
	case "tcp":
		return health.NewTCPChecker(target), nil
	case "exec":
		return health.NewExecChecker(strings.Fields(target)), nil
	default:
		return nil, fmt.Errorf("unsupported health check type %q", kind)
	}
}

// fileSource implements observer.Source by reading a static JSON snapshot of
// open items, standing in for whatever external review surface an operator
// wires up in production.
type fileSource struct {
	id    string
	items []observer.Item
}

func (f fileSource) ID() string { return f.id }

func (f fileSource) ListOpen() ([]observer.Item, error) { return f.items, nil }

func runObserve(cmd *cobra.Command, args []string) error {
	sourceID, _ := cmd.Flags().GetString("source")
	itemsFile, _ := cmd.Flags().GetString("items-file")
	healthCheckSpec, _ := cmd.Flags().GetString("health-check")

	data, err := os.ReadFile(itemsFile)
	if err != nil {
		return fmt.Errorf("read items file %s: %w", itemsFile, err)
	}
	var items []observer.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse items file %s: %w", itemsFile, err)
	}

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer store.Close()

	obs := observer.New(fileSource{id: sourceID, items: items}, store, cfg, log.WithComponent("observer"))

	if checker, err := buildHealthChecker(healthCheckSpec); err != nil {
		return err
	} else if checker != nil {
		obs.SetHealthChecker(checker)
	}

	maybeServeMetrics("observer:" + sourceID)

	emitted, err := obs.PollOnce()
	if err != nil {
		return err
	}
	fmt.Printf("emitted %d packet(s)\n", len(emitted))
	for _, id := range emitted {
		fmt.Println(id)
	}
	return nil
}

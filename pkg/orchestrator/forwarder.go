// Package orchestrator implements the Orchestrator Forwarder: it
// drains the orchestrator's own inbox of TASK_COMPLETE and
// REVIEW_ACTION_REQUIRED packets and turns them into compact digest packets
// for the autopilot (and optionally the operator), applying the loop-
// avoidance and coalescing rules. A ticker-driven loop
// processing one batch per cycle, guarded by its own mutex rather than a
// supervisor's worker lock since the forwarder has no claim/close lifecycle
// of its own.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/config"
	"github.com/taskmesh/agentbus/pkg/metrics"
)

const (
	agentName       = "orchestrator"
	autopilotTarget = "autopilot"
	digestMaxChars  = 500
)

// Forwarder drains the orchestrator inbox into autopilot (and optionally
// operator) digests.
type Forwarder struct {
	store     *bus.Store
	deliverer *bus.Deliverer
	cfg       config.Config
	log       zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Forwarder over store.
func New(store *bus.Store, cfg config.Config, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		store:     store,
		deliverer: bus.NewDeliverer(store),
		cfg:       cfg,
		log:       log.With().Str("component", "orchestrator").Logger(),
		stopCh:    make(chan struct{}),
	}
}

// Stop requests the loop to exit after its current cycle.
func (f *Forwarder) Stop() { close(f.stopCh) }

// Run polls the orchestrator inbox every PollInterval until Stop is called.
func (f *Forwarder) Run() {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	f.log.Info().Msg("orchestrator forwarder started")
	for {
		select {
		case <-ticker.C:
			if err := f.RunOnce(); err != nil {
				f.log.Error().Err(err).Msg("forward cycle failed")
			}
		case <-f.stopCh:
			f.log.Info().Msg("orchestrator forwarder stopped")
			return
		}
	}
}

// RunOnce drains one batch of the orchestrator inbox (new, then seen),
// forwarding or coalescing each packet, and returns after the batch is
// processed. Exposed for `agentbus forward` (one-shot) and tests.
func (f *Forwarder) RunOnce() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	seen := make(map[string]bool)
	for _, state := range []bus.State{bus.StateNew, bus.StateSeen} {
		batch, err := f.store.ListInbox(agentName, state)
		if err != nil {
			return fmt.Errorf("orchestrator: list inbox: %w", err)
		}
		for _, id := range batch {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	for _, id := range ids {
		if err := f.forwardOne(id); err != nil {
			f.log.Warn().Err(err).Str("task_id", id).Msg("forward failed")
		}
	}
	return nil
}

func (f *Forwarder) forwardOne(taskID string) error {
	task, err := f.store.Claim(agentName, taskID)
	if err != nil {
		return err
	}

	switch task.Meta.Signals.Kind {
	case bus.SignalTaskComplete:
		return f.forwardTaskComplete(taskID, task)
	case bus.SignalReviewActionRequired:
		return f.forwardReviewAction(taskID, task)
	default:
		// Unrepresented kind arriving in the orchestrator's own inbox: close
		// without notification rather than looping it back on itself.
		_, err := f.store.CloseTask(agentName, taskID, bus.OutcomeSkipped, "unrecognized kind for orchestrator", "", bus.ReceiptExtra{}, false)
		return err
	}
}

// forwardTaskComplete implements the digest + loop-avoidance rules for a
// TASK_COMPLETE notification.
func (f *Forwarder) forwardTaskComplete(taskID string, task bus.Task) error {
	receiptPath := task.Meta.References["receiptPath"]
	sourceAgent := task.Meta.References["sourceAgent"]
	sourceTask := task.Meta.References["sourceTask"]
	sourceKind := bus.SignalKind(task.Meta.References["sourceKind"])

	receipt, err := f.readReceiptAt(receiptPath, sourceAgent, sourceTask)
	if err != nil {
		return f.closeOrchestratorTask(taskID, bus.OutcomeFailed, fmt.Sprintf("read receipt: %v", err))
	}

	// Loop-avoidance: never forward an ORCHESTRATOR_UPDATE completion
	// back to autopilot, except one controlled self-remediation forward when
	// autopilot itself closed it non-done, capped by SelfRemediation depth.
	if sourceKind == bus.SignalOrchestratorUpdate {
		depth := selfRemediationDepth(receipt.Task.References)
		remediable := sourceAgent == autopilotTarget && receipt.Outcome != bus.OutcomeDone
		if !remediable || depth >= f.cfg.SelfRemediation {
			metrics.ForwardLoopBlockedTotal.Inc()
			return f.closeOrchestratorTask(taskID, bus.OutcomeDone, "loop-avoidance: ORCHESTRATOR_UPDATE completion not forwarded")
		}
		if err := f.sendDigest(sourceAgent, sourceTask, sourceKind, receipt, depth+1); err != nil {
			return f.closeOrchestratorTask(taskID, bus.OutcomeFailed, err.Error())
		}
		return f.closeOrchestratorTask(taskID, bus.OutcomeDone, "self-remediation digest forwarded")
	}

	if err := f.sendDigest(sourceAgent, sourceTask, sourceKind, receipt, 0); err != nil {
		return f.closeOrchestratorTask(taskID, bus.OutcomeFailed, err.Error())
	}
	return f.closeOrchestratorTask(taskID, bus.OutcomeDone, "digest forwarded")
}

// sendDigest builds and delivers a digest packet to the autopilot (and, if
// configured, the operator), recording reviewRequired and the self-remediation
// depth counter. Each downstream target gets the digest rendered in its
// configured mode.
func (f *Forwarder) sendDigest(sourceAgent, sourceTask string, sourceKind bus.SignalKind, receipt bus.Receipt, remediationDepth int) error {
	reviewRequired := sourceKind == bus.SignalExecute && receipt.Outcome == bus.OutcomeDone && receipt.CommitSha != ""

	targets := []string{autopilotTarget}
	if f.cfg.ForwardToOperator {
		targets = append(targets, "operator")
	}

	refs := map[string]string{
		"sourceAgent": sourceAgent,
		"sourceTask":  sourceTask,
		"sourceKind":  string(sourceKind),
	}
	if remediationDepth > 0 {
		refs["remediationDepth"] = fmt.Sprintf("%d", remediationDepth)
	}
	if reviewRequired {
		refs["reviewRequired"] = "true"
	}

	signals := bus.Signals{
		Kind:   bus.SignalOrchestratorUpdate,
		RootID: receipt.Task.Signals.RootID,
	}

	for _, target := range targets {
		digest := buildDigest(f.digestModeFor(target), sourceKind, sourceAgent, sourceTask, receipt, reviewRequired)
		_, _, err := f.deliverer.Send(bus.DeliverRequest{
			To:         []string{target},
			From:       agentName,
			Priority:   bus.PriorityP2,
			Title:      fmt.Sprintf("digest: %s/%s", sourceAgent, sourceTask),
			Body:       digest,
			Signals:    signals,
			References: refs,
		})
		if err != nil {
			metrics.DeliverErrorsTotal.WithLabelValues("forward_digest").Inc()
			return fmt.Errorf("deliver digest to %s: %w", target, err)
		}
		metrics.DigestsForwardedTotal.WithLabelValues(target).Inc()
	}
	return nil
}

func (f *Forwarder) digestModeFor(target string) config.DigestMode {
	if f.cfg.DigestModes[target] == config.DigestVerbose {
		return config.DigestVerbose
	}
	return config.DigestCompact
}

// buildDigest renders the digest for one downstream target: compact is the
// bounded single line (source kind, source agent, task id, rootId,
// outcome, optional commit reference, trimmed note); verbose keeps the same
// header but carries the closed task's title and the full untruncated note.
func buildDigest(mode config.DigestMode, sourceKind bus.SignalKind, sourceAgent, sourceTask string, receipt bus.Receipt, reviewRequired bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "kind=%s agent=%s task=%s rootId=%s outcome=%s",
		sourceKind, sourceAgent, sourceTask, receipt.Task.Signals.RootID, receipt.Outcome)
	if receipt.CommitSha != "" {
		fmt.Fprintf(&b, " commit=%s", receipt.CommitSha)
	}
	if reviewRequired {
		b.WriteString(" reviewRequired=true")
	}
	note := strings.TrimSpace(receipt.Note)

	if mode == config.DigestVerbose {
		fmt.Fprintf(&b, "\ntitle: %s", receipt.Task.Title)
		if note != "" {
			fmt.Fprintf(&b, "\nnote: %s", note)
		}
		return b.String()
	}

	if note != "" {
		b.WriteString(" note=")
		b.WriteString(truncate(note, digestMaxChars-b.Len()))
	}
	return truncate(b.String(), digestMaxChars)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// forwardReviewAction implements the coalescing rule: an observer-
// originated REVIEW_ACTION_REQUIRED with the same rootId as an existing
// in-progress/seen/new autopilot digest task from the same source agent is
// merged onto it via update rather than delivered as a new packet.
func (f *Forwarder) forwardReviewAction(taskID string, task bus.Task) error {
	rootID := task.Meta.Signals.RootID
	sourceAgent := task.Meta.From

	if existing, ok := f.findCoalesceTarget(rootID, sourceAgent); ok {
		if err := f.store.Update(autopilotTarget, existing, agentName, task.Body, &bus.Signals{Kind: bus.SignalReviewActionRequired}, nil); err != nil {
			return f.closeOrchestratorTask(taskID, bus.OutcomeFailed, fmt.Sprintf("coalesce update: %v", err))
		}
		metrics.CoalescedPacketsTotal.Inc()
		return f.closeOrchestratorTask(taskID, bus.OutcomeDone, fmt.Sprintf("coalesced onto %s", existing))
	}

	_, _, err := f.deliverer.Send(bus.DeliverRequest{
		To:       []string{autopilotTarget},
		From:     agentName,
		Priority: task.Meta.Priority,
		Title:    task.Meta.Title,
		Body:     task.Body,
		Signals: bus.Signals{
			Kind:   bus.SignalReviewActionRequired,
			RootID: rootID,
		},
		References: map[string]string{"sourceAgent": sourceAgent},
	})
	if err != nil {
		return f.closeOrchestratorTask(taskID, bus.OutcomeFailed, err.Error())
	}
	metrics.DigestsForwardedTotal.WithLabelValues(autopilotTarget).Inc()
	return f.closeOrchestratorTask(taskID, bus.OutcomeDone, "review action forwarded")
}

// findCoalesceTarget scans the autopilot's in_progress/seen/new tasks for one
// already carrying the same rootId and sourceAgent reference (the earlier
// one wins; ties break by listInbox's mtime
// ordering, earliest first).
func (f *Forwarder) findCoalesceTarget(rootID, sourceAgent string) (string, bool) {
	if rootID == "" {
		return "", false
	}
	for _, state := range []bus.State{bus.StateInProgress, bus.StateSeen, bus.StateNew} {
		ids, err := f.store.ListInbox(autopilotTarget, state)
		if err != nil {
			continue
		}
		for _, id := range ids {
			t, err := f.store.Open(autopilotTarget, id, false)
			if err != nil {
				continue
			}
			if t.Meta.Signals.Kind != bus.SignalReviewActionRequired {
				continue
			}
			if t.Meta.Signals.RootID == rootID && t.Meta.References["sourceAgent"] == sourceAgent {
				return id, true
			}
		}
	}
	return "", false
}

func (f *Forwarder) closeOrchestratorTask(taskID string, outcome bus.Outcome, note string) error {
	// notifyOrchestrator=false always: closing the orchestrator's own inbox
	// task must never re-enter the orchestrator inbox.
	_, err := f.store.CloseTask(agentName, taskID, outcome, note, "", bus.ReceiptExtra{}, false)
	return err
}

func (f *Forwarder) readReceiptAt(receiptPath, sourceAgent, sourceTask string) (bus.Receipt, error) {
	if sourceAgent != "" && sourceTask != "" {
		if r, err := f.store.ReadReceipt(sourceAgent, sourceTask); err == nil {
			return r, nil
		}
	}
	if receiptPath == "" {
		return bus.Receipt{}, fmt.Errorf("no receipt reference on TASK_COMPLETE packet")
	}
	// The references.receiptPath pointer is authoritative when the
	// agent/task lookup misses (e.g. a bus root accessed under a different
	// working directory than the closer used).
	data, err := os.ReadFile(receiptPath)
	if err != nil {
		return bus.Receipt{}, fmt.Errorf("receipt not found at %s for %s/%s", receiptPath, sourceAgent, sourceTask)
	}
	var r bus.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return bus.Receipt{}, fmt.Errorf("malformed receipt at %s: %w", receiptPath, err)
	}
	return r, nil
}

func selfRemediationDepth(refs map[string]string) int {
	v, ok := refs["remediationDepth"]
	if !ok {
		return 0
	}
	var depth int
	if _, err := fmt.Sscanf(v, "%d", &depth); err != nil {
		return 0
	}
	return depth
}

// Package supervisor implements the Worker Supervisor: the per-agent
// loop that claims tasks, spawns a turn through the Turn Runner, watches for
// mid-turn updates and timeouts, dispatches follow-ups, and closes every
// claimed task with a receipt.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/config"
	"github.com/taskmesh/agentbus/pkg/events"
	"github.com/taskmesh/agentbus/pkg/metrics"
	"github.com/taskmesh/agentbus/pkg/ratelimit"
	"github.com/taskmesh/agentbus/pkg/turnrunner"
)

// Supervisor drives one agent's task lifecycle end-to-end: one long-lived
// struct holding the shared collaborators (store, runner, rate limiter) plus
// a stop channel, with the actual polling loop started by Run.
type Supervisor struct {
	agent  config.AgentSpec
	roster config.Roster
	store  *bus.Store
	runner turnrunner.Runner
	cfg    config.Config

	semaphore *ratelimit.Semaphore
	cooldown  *ratelimit.Cooldown
	backoff   *ratelimit.BackoffTracker
	deliverer *bus.Deliverer
	broker    *events.Broker

	log zerolog.Logger

	// statusSentAt throttles operator status packets per title: one
	// driver goroutine per agent, so no lock needed.
	statusSentAt map[string]time.Time

	stopCh chan struct{}
}

// statusThrottleWindow is the minimum spacing between operator status packets
// carrying the same title.
const statusThrottleWindow = 10 * time.Minute

// New builds a Supervisor for agent.
func New(agent config.AgentSpec, roster config.Roster, store *bus.Store, runner turnrunner.Runner, cfg config.Config,
	semaphore *ratelimit.Semaphore, cooldown *ratelimit.Cooldown, backoff *ratelimit.BackoffTracker,
	broker *events.Broker, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		agent:        agent,
		roster:       roster,
		store:        store,
		runner:       runner,
		cfg:          cfg,
		semaphore:    semaphore,
		cooldown:     cooldown,
		backoff:      backoff,
		deliverer:    bus.NewDeliverer(store).WithRoster(roster.Names()),
		broker:       broker,
		log:          log.With().Str("agent", agent.Name).Logger(),
		statusSentAt: make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Stop requests the poll loop to exit after its current cycle.
func (s *Supervisor) Stop() { close(s.stopCh) }

// Run is the supervisor loop. It blocks until Stop
// is called or ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce enumerates in_progress, then new, then seen, de-duplicated
// preserving that order (resume before fresh work), and processes each id
// once per cycle.
func (s *Supervisor) pollOnce(ctx context.Context) {
	seen := make(map[string]bool)
	var ids []string
	for _, state := range []bus.State{bus.StateInProgress, bus.StateNew, bus.StateSeen} {
		batch, err := s.store.ListInbox(s.agent.Name, state)
		if err != nil {
			s.log.Error().Err(err).Str("state", string(state)).Msg("list inbox failed")
			continue
		}
		for _, id := range batch {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	for _, id := range ids {
		s.processOne(ctx, id)
	}
}

// processOne drives one task through claim → run → dispatch → close.
func (s *Supervisor) processOne(ctx context.Context, taskID string) {
	task, err := s.store.Claim(s.agent.Name, taskID)
	if err != nil {
		if errors.Is(err, bus.ErrClaimConflict) || errors.Is(err, bus.ErrAlreadyProcessed) {
			return
		}
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("claim failed, skipping")
		return
	}
	metrics.ClaimsTotal.WithLabelValues(s.agent.Name, "success").Inc()
	s.publish(events.EventTaskClaimed, taskID, "")

	s.cooldown.Wait(200 * time.Millisecond)

	lease, err := s.semaphore.Acquire(s.agent.Name, 200*time.Millisecond)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("semaphore acquire failed")
		return
	}
	defer lease.Release()

	s.runTask(ctx, taskID, task)
}

// runTask re-opens the packet to pick up any update since claim, runs turns
// until the turn completes, is superseded and restarted, or times out.
func (s *Supervisor) runTask(ctx context.Context, taskID string, task bus.Task) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TurnDuration, s.agent.Name, string(task.Meta.Signals.Kind))

	// Resume order: this task's own session pin first (a retry of the same
	// task continues the same thread), then the autopilot's pinned
	// agent session, then the workflow's continuity ledger.
	threadID := readTaskSession(s.store.Root(), s.agent.Name, taskID)
	if threadID == "" && s.agent.Autopilot {
		threadID = readAgentSession(s.store.Root(), s.agent.Name)
		if threadID == "" && task.Meta.Signals.RootID != "" {
			threadID = readContinuityRecord(s.store.Root(), s.agent.Name, task.Meta.Signals.RootID).ThreadID
		}
	}
	attempts := 0

	for {
		s.cooldown.Wait(200 * time.Millisecond)

		current, err := s.store.Open(s.agent.Name, taskID, false)
		if err != nil {
			s.closeSkipped(taskID, "not_in_inbox_states")
			return
		}

		info, err := os.Stat(current.Path)
		if err != nil {
			s.closeSkipped(taskID, "not_in_inbox_states")
			return
		}
		baseline := info.ModTime()

		snap := SnapshotContext(s.cfg.WorktreeRoot, s.agent, s.store, s.roster.Names(), current.Meta.Signals.RootID, current.Meta.Signals.Kind)
		prompt := AssemblePrompt(s.agent, current, snap)

		outputPath := filepath.Join(s.cfg.BusRoot, "artifacts", s.agent.Name, taskID+".output.json")
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			s.closeFailed(taskID, current, fmt.Errorf("prepare artifact dir: %w", err))
			return
		}

		stop := make(chan struct{})
		superseded := supersedeWatch(current.Path, baseline, s.cfg.SupersedePoll, stop)

		req := turnrunner.Request{
			Prompt:          prompt,
			OutputSchemaRef: "task-output-v1",
			OutputPath:      outputPath,
			WorkDir:         s.cfg.WorktreeRoot,
			ThreadID:        threadID,
			KillGrace:       s.cfg.KillGrace,
		}
		watch := turnrunner.Watch{Superseded: superseded, Deadline: time.Now().Add(s.cfg.TurnTimeout)}

		result := s.runner.RunTurn(ctx, req, watch)
		close(stop)
		if result.ThreadID != "" {
			threadID = result.ThreadID
			s.pinSessions(taskID, threadID)
		}

		switch result.Status {
		case turnrunner.StatusSuperseded:
			metrics.SupersedesTotal.WithLabelValues(s.agent.Name).Inc()
			s.log.Info().Str("task_id", taskID).Msg("superseded, restarting turn")
			continue

		case turnrunner.StatusTimedOut:
			metrics.TurnTimeoutsTotal.WithLabelValues(s.agent.Name).Inc()
			s.emitBlockedStatus(taskID, current, "turn exceeded timeout")
			s.recordContinuity(current, taskID, bus.OutcomeBlocked, "turn timed out", threadID)
			s.closeOutcome(taskID, current, bus.OutcomeBlocked, "turn timed out", "", bus.ReceiptExtra{})
			return

		case turnrunner.StatusRateLimited:
			retryAfter := result.RetryAfter
			if retryAfter < s.cfg.MinCooldown {
				retryAfter = s.cfg.MinCooldown
			}
			_ = s.cooldown.Set(ratelimit.CooldownRecord{
				RetryAtMs:   time.Now().Add(retryAfter).UnixMilli(),
				Reason:      "rate_limited",
				SourceAgent: s.agent.Name,
				TaskID:      taskID,
			})
			fallthrough
		case turnrunner.StatusDisconnected:
			attempts++
			delay := s.backoff.RecordFailure(s.agent.Name)
			if attempts >= 3 {
				s.closeFailed(taskID, current, fmt.Errorf("exhausted retries: %v", result.Err))
				return
			}
			time.Sleep(delay)
			continue

		case turnrunner.StatusFailed:
			s.recordContinuity(current, taskID, bus.OutcomeFailed, "turn failed", threadID)
			s.closeFailed(taskID, current, result.Err)
			return

		case turnrunner.StatusCompleted:
			s.backoff.RecordSuccess(s.agent.Name)
			s.finishCompleted(taskID, current, result)
			return
		}
	}
}

func (s *Supervisor) finishCompleted(taskID string, task bus.Task, result turnrunner.Result) {
	data, err := turnrunner.ReadOutput(result.OutputPath)
	if err != nil {
		s.closeFailed(taskID, task, fmt.Errorf("read turn output: %w", err))
		return
	}
	out, err := ParseTurnOutput(data)
	if err != nil {
		s.closeFailed(taskID, task, err)
		return
	}

	extra := bus.ReceiptExtra{Raw: out.Extra}
	dispatchErrs := s.dispatchFollowUps(task.Meta, out.FollowUps)
	extra.FollowUpDispatchErrors = dispatchErrs

	outcome := out.Outcome
	if len(dispatchErrs) > 0 && outcome == bus.OutcomeDone {
		outcome = bus.OutcomeNeedsReview
	}
	s.recordContinuity(task, taskID, outcome, out.Note, result.ThreadID)
	s.closeOutcome(taskID, task, outcome, out.Note, out.CommitSha, extra)
}

// recordContinuity appends this turn's outcome to its rootId's continuity
// ledger and carries threadID forward as the resume point for the next turn
// on that rootId.
func (s *Supervisor) recordContinuity(task bus.Task, taskID string, outcome bus.Outcome, note, threadID string) {
	if !s.agent.Autopilot {
		return
	}
	rootID := task.Meta.Signals.RootID
	if rootID == "" {
		return
	}
	entry := continuityEntry{TaskID: taskID, Agent: s.agent.Name, Outcome: string(outcome), Note: note}
	if err := appendContinuity(s.store.Root(), s.agent.Name, rootID, entry, threadID); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("continuity ledger write failed")
	}
}

// dispatchFollowUps delivers up to cfg.MaxFollowUps follow-ups, rejecting any
// that target the dispatching agent itself.
func (s *Supervisor) dispatchFollowUps(parent bus.Meta, followUps []bus.FollowUp) []bus.FollowUpDispatchError {
	var errs []bus.FollowUpDispatchError
	for i, f := range followUps {
		if i >= s.cfg.MaxFollowUps {
			break
		}
		if containsSelf(f.To, s.agent.Name) {
			errs = append(errs, bus.FollowUpDispatchError{To: f.To, Title: f.Title, Reason: "self-loop blocked"})
			metrics.FollowUpsRejectedTotal.WithLabelValues(s.agent.Name).Inc()
			continue
		}
		if _, _, err := s.deliverer.SendFollowUp(s.agent.Name, parent, f); err != nil {
			errs = append(errs, bus.FollowUpDispatchError{To: f.To, Title: f.Title, Reason: err.Error()})
			metrics.FollowUpsRejectedTotal.WithLabelValues(s.agent.Name).Inc()
			continue
		}
		metrics.FollowUpsDispatchedTotal.WithLabelValues(s.agent.Name).Inc()
	}
	return errs
}

func containsSelf(to []string, self string) bool {
	for _, a := range to {
		if a == self {
			return true
		}
	}
	return false
}

func (s *Supervisor) closeOutcome(taskID string, task bus.Task, outcome bus.Outcome, note, commitSha string, extra bus.ReceiptExtra) {
	notify := task.Meta.Signals.NotifyOrchestratorOrDefault()
	if _, err := s.store.CloseTask(s.agent.Name, taskID, outcome, note, commitSha, extra, notify); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("close failed")
		return
	}
	metrics.ReceiptsTotal.WithLabelValues(s.agent.Name, string(outcome)).Inc()
	s.publish(events.EventTaskClosed, taskID, string(outcome))
}

func (s *Supervisor) closeFailed(taskID string, task bus.Task, cause error) {
	s.closeOutcome(taskID, task, bus.OutcomeFailed, "turn failed", "", bus.ReceiptExtra{Error: cause.Error()})
}

func (s *Supervisor) closeSkipped(taskID, reason string) {
	if _, err := s.store.CloseTask(s.agent.Name, taskID, bus.OutcomeSkipped, reason, "", bus.ReceiptExtra{}, false); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("close(skipped) failed")
	}
}

// pinSessions persists the thread a turn surfaced: the per-task session pin
// always, and (for autopilot agents) the agent's own session the first time a
// thread exists.
func (s *Supervisor) pinSessions(taskID, threadID string) {
	if err := writeTaskSession(s.store.Root(), s.agent.Name, taskID, threadID); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("task session pin write failed")
	}
	if s.agent.Autopilot && readAgentSession(s.store.Root(), s.agent.Name) == "" {
		if err := writeAgentSession(s.store.Root(), s.agent.Name, threadID); err != nil {
			s.log.Warn().Err(err).Msg("agent session pin write failed")
		}
	}
}

// emitBlockedStatus routes a human-readable status packet to the operator
// inbox on timeout, throttled per title so a repeatedly timing-out task does
// not spam the operator.
func (s *Supervisor) emitBlockedStatus(taskID string, task bus.Task, reason string) {
	title := fmt.Sprintf("blocked: %s", task.Meta.Title)
	if last, ok := s.statusSentAt[title]; ok && time.Since(last) < statusThrottleWindow {
		return
	}
	s.statusSentAt[title] = time.Now()
	_, _, err := s.deliverer.Send(bus.DeliverRequest{
		To:       []string{"operator"},
		From:     s.agent.Name,
		Priority: bus.PriorityP2,
		Title:    title,
		Body:     reason,
		Signals: bus.Signals{
			Kind:   bus.SignalStatus,
			RootID: task.Meta.Signals.RootID,
		},
		References: map[string]string{"sourceTask": taskID, "sourceAgent": s.agent.Name},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to emit blocked status to operator")
	}
}

func (s *Supervisor) publish(t events.EventType, taskID, detail string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    t,
		Message: fmt.Sprintf("%s/%s %s", s.agent.Name, taskID, detail),
		Metadata: map[string]string{
			"agent":   s.agent.Name,
			"task_id": taskID,
		},
	})
}

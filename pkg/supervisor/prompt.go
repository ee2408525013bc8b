package supervisor

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/config"
)

// ContextSnapshot is the ambient state folded into a prompt alongside the
// task body.
type ContextSnapshot struct {
	WorkDir     string
	GitBranch   string
	GitHead     string
	StatusLines []string // autopilot only: bus statusSummary rendering
	RecentNotes []string // autopilot only: recent receipts filtered by rootId
	OpenTasks   []string // autopilot only: open (unclosed) tasks filtered by rootId
	Continuity  string   // autopilot only: running continuity ledger
	Thin        bool     // autopilot warm-resume of ORCHESTRATOR_UPDATE
	ResumeID    string   // autopilot only: thread to resume from the continuity ledger
}

// SnapshotContext gathers the git-derived fields every prompt includes, and
// (for autopilot agents) the richer bus-derived fields. kind is the triggering
// packet's signal kind, used to decide whether a warm ORCHESTRATOR_UPDATE
// qualifies for the thin snapshot.
func SnapshotContext(workDir string, agent config.AgentSpec, store *bus.Store, roster []string, rootID string, kind bus.SignalKind) ContextSnapshot {
	snap := ContextSnapshot{
		WorkDir:   workDir,
		GitBranch: gitOutput(workDir, "rev-parse", "--abbrev-ref", "HEAD"),
		GitHead:   gitOutput(workDir, "rev-parse", "HEAD"),
	}
	if !agent.Autopilot || store == nil {
		return snap
	}

	var rec continuityRecord
	if rootID != "" {
		rec = readContinuityRecord(store.Root(), agent.Name, rootID)
		snap.Continuity = renderContinuity(rec)
		snap.ResumeID = rec.ThreadID
	}
	snap.Thin = kind == bus.SignalOrchestratorUpdate && rec.ThreadID != ""

	if summaries, err := store.StatusSummary(roster); err == nil {
		for _, s := range summaries {
			snap.StatusLines = append(snap.StatusLines, fmt.Sprintf("%s: new=%d seen=%d in_progress=%d processed=%d",
				s.Agent, s.Counts[bus.StateNew], s.Counts[bus.StateSeen], s.Counts[bus.StateInProgress], s.Counts[bus.StateProcessed]))
		}
	}
	if receipts, err := store.RecentReceipts("", 20); err == nil {
		for _, r := range receipts {
			if rootID != "" && r.Task.Signals.RootID != rootID {
				continue
			}
			snap.RecentNotes = append(snap.RecentNotes, fmt.Sprintf("%s/%s: %s (%s)", r.Agent, r.TaskID, r.Outcome, r.Note))
		}
	}
	if rootID != "" {
		if tasks, err := store.OpenTasksForRoot(roster, rootID); err == nil {
			for _, t := range tasks {
				snap.OpenTasks = append(snap.OpenTasks, fmt.Sprintf("%s/%s: %s (kind=%s, phase=%s)",
					strings.Join(t.Meta.To, ","), t.Meta.ID, t.Meta.Title, t.Meta.Signals.Kind, t.Meta.Signals.Phase))
			}
		}
	}
	return snap
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// skillForKind picks the first matching skill for a packet kind:
// PLAN_REQUEST selects the first planning skill; EXECUTE (or an autopilot
// agent in general) selects the first execution skill; the remainder of the
// agent's skill list is appended in original order.
func skillForKind(kind bus.SignalKind, autopilot bool, skills []string) []string {
	var primary string
	switch {
	case kind == bus.SignalPlanRequest:
		primary = firstContaining(skills, "plan")
	case kind == bus.SignalExecute || autopilot:
		primary = firstContaining(skills, "exec")
	}

	ordered := make([]string, 0, len(skills))
	if primary != "" {
		ordered = append(ordered, primary)
	}
	for _, s := range skills {
		if s == primary {
			continue
		}
		ordered = append(ordered, s)
	}
	return ordered
}

func firstContaining(skills []string, substr string) string {
	for _, s := range skills {
		if strings.Contains(strings.ToLower(s), substr) {
			return s
		}
	}
	return ""
}

// AssemblePrompt builds the deterministic prompt for one turn.
// Smoke packets skip skill invocation entirely (fast path).
func AssemblePrompt(agent config.AgentSpec, task bus.Task, snap ContextSnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are agent %q.\n\n", agent.Name)

	if !task.Meta.Signals.Smoke {
		skills := skillForKind(task.Meta.Signals.Kind, agent.Autopilot, agent.Skills)
		if len(skills) > 0 {
			fmt.Fprintf(&b, "Skills: %s\n\n", strings.Join(skills, ", "))
		}
	}

	fmt.Fprintf(&b, "Task %s (kind=%s, phase=%s, rootId=%s)\n", task.Meta.ID, task.Meta.Signals.Kind, task.Meta.Signals.Phase, task.Meta.Signals.RootID)
	fmt.Fprintf(&b, "Title: %s\n\n", task.Meta.Title)
	b.WriteString(task.Body)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Working directory: %s\nGit branch: %s\nGit HEAD: %s\n", snap.WorkDir, snap.GitBranch, snap.GitHead)

	if agent.Autopilot && !snap.Thin {
		if len(snap.StatusLines) > 0 {
			b.WriteString("\nBus status:\n")
			for _, l := range snap.StatusLines {
				b.WriteString("  " + l + "\n")
			}
		}
		if len(snap.RecentNotes) > 0 {
			b.WriteString("\nRecent receipts for this workflow:\n")
			for _, l := range snap.RecentNotes {
				b.WriteString("  " + l + "\n")
			}
		}
		if len(snap.OpenTasks) > 0 {
			b.WriteString("\nOpen tasks for this workflow:\n")
			for _, l := range snap.OpenTasks {
				b.WriteString("  " + l + "\n")
			}
		}
		if snap.Continuity != "" {
			b.WriteString("\nContinuity ledger:\n" + snap.Continuity)
		}
	}

	return b.String()
}

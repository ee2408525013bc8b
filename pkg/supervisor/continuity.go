package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// continuityEntry is one line of a workflow's continuity ledger: a compact
// record of what an earlier turn on the same rootId did, so a later
// autopilot turn can be reminded without replaying every receipt.
type continuityEntry struct {
	TaskID  string `json:"taskId"`
	Agent   string `json:"agent"`
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

// continuityRecord is the persisted per-rootId state: the ledger entries
// plus the last thread a turn left off on, so a later turn for the same
// rootId can warm-resume it instead of starting cold.
type continuityRecord struct {
	ThreadID string            `json:"threadId,omitempty"`
	Entries  []continuityEntry `json:"entries,omitempty"`
}

const continuityMaxEntries = 8

func continuityPath(busRoot, agent, rootID string) string {
	return filepath.Join(busRoot, "state", "codex-root-sessions", agent, rootID+".json")
}

func readContinuityRecord(busRoot, agent, rootID string) continuityRecord {
	data, err := os.ReadFile(continuityPath(busRoot, agent, rootID))
	if err != nil {
		return continuityRecord{}
	}
	var rec continuityRecord
	if json.Unmarshal(data, &rec) != nil {
		return continuityRecord{}
	}
	return rec
}

// appendContinuity records one turn's outcome against rootId's ledger and
// carries forward threadID as the resume point for the next turn on that
// rootId, written tmp-then-rename like the rate coordinator's state files.
func appendContinuity(busRoot, agent, rootID string, entry continuityEntry, threadID string) error {
	rec := readContinuityRecord(busRoot, agent, rootID)
	rec.Entries = append(rec.Entries, entry)
	if len(rec.Entries) > continuityMaxEntries {
		rec.Entries = rec.Entries[len(rec.Entries)-continuityMaxEntries:]
	}
	if threadID != "" {
		rec.ThreadID = threadID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(continuityPath(busRoot, agent, rootID), data)
}

// renderContinuity formats entries oldest-first, one line per turn.
func renderContinuity(rec continuityRecord) string {
	if len(rec.Entries) == 0 {
		return ""
	}
	var lines string
	for _, e := range rec.Entries {
		lines += fmt.Sprintf("  %s/%s: %s (%s)\n", e.Agent, e.TaskID, e.Outcome, e.Note)
	}
	return lines
}

package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// taskSession is the task-session pin: it maps one (agent, task) to the
// LLM thread a turn left off on, so a restart of the same task resumes the
// same conversation instead of starting a fresh thread.
type taskSession struct {
	ThreadID string `json:"threadId"`
}

func taskSessionPath(busRoot, agent, taskID string) string {
	return filepath.Join(busRoot, "state", "codex-task-sessions", agent, taskID+".json")
}

func readTaskSession(busRoot, agent, taskID string) string {
	data, err := os.ReadFile(taskSessionPath(busRoot, agent, taskID))
	if err != nil {
		return ""
	}
	var s taskSession
	if json.Unmarshal(data, &s) != nil {
		return ""
	}
	return s.ThreadID
}

func writeTaskSession(busRoot, agent, taskID, threadID string) error {
	data, err := json.Marshal(taskSession{ThreadID: threadID})
	if err != nil {
		return err
	}
	return writeFileAtomic(taskSessionPath(busRoot, agent, taskID), data)
}

// Agent session pin: for autopilot agents the first-created thread is pinned
// as the agent's session under state/<agent>.session-id, so every
// later autopilot turn continues the same long-lived conversation.

func agentSessionPath(busRoot, agent string) string {
	return filepath.Join(busRoot, "state", agent+".session-id")
}

func readAgentSession(busRoot, agent string) string {
	data, err := os.ReadFile(agentSessionPath(busRoot, agent))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeAgentSession(busRoot, agent, threadID string) error {
	return writeFileAtomic(agentSessionPath(busRoot, agent), []byte(threadID+"\n"))
}

// writeFileAtomic is the shared tmp-then-rename write for the small state
// files under state/ (session pins, continuity ledgers).
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

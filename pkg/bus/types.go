// Package bus implements the file-backed task/receipt store described as the
// AgentBus: per-agent inboxes, atomic state transitions, and crash-safe
// delivery of Task packets and their closing Receipts.
package bus

import "time"

// Priority is an ordering hint only; it never gates claim eligibility.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// SignalKind identifies the purpose of a packet.
type SignalKind string

const (
	SignalUserRequest          SignalKind = "USER_REQUEST"
	SignalPlanRequest          SignalKind = "PLAN_REQUEST"
	SignalExecute              SignalKind = "EXECUTE"
	SignalOrchestratorUpdate   SignalKind = "ORCHESTRATOR_UPDATE"
	SignalTaskComplete         SignalKind = "TASK_COMPLETE"
	SignalReviewActionRequired SignalKind = "REVIEW_ACTION_REQUIRED"
	SignalStatus               SignalKind = "STATUS"
	SignalOpusConsultRequest   SignalKind = "OPUS_CONSULT_REQUEST"
	SignalOpusConsultResponse  SignalKind = "OPUS_CONSULT_RESPONSE"
)

// Signals carries the typed envelope fields every packet routes on.
type Signals struct {
	Kind               SignalKind `json:"kind"`
	Phase              string     `json:"phase,omitempty"`
	RootID             string     `json:"rootId,omitempty"`
	ParentID           string     `json:"parentId,omitempty"`
	Smoke              bool       `json:"smoke,omitempty"`
	NotifyOrchestrator *bool      `json:"notifyOrchestrator,omitempty"`
}

// NotifyOrchestratorOrDefault returns the configured notify flag, defaulting
// to true when the packet does not specify one.
func (s Signals) NotifyOrchestratorOrDefault() bool {
	if s.NotifyOrchestrator == nil {
		return true
	}
	return *s.NotifyOrchestrator
}

// Meta is the persistent header of a Task packet.
type Meta struct {
	ID         string            `json:"id"`
	To         []string          `json:"to"`
	From       string            `json:"from"`
	Priority   Priority          `json:"priority"`
	Title      string            `json:"title"`
	Signals    Signals           `json:"signals"`
	References map[string]string `json:"references,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Task is a Meta header plus its free-form body, as read back from disk.
type Task struct {
	Meta Meta
	Body string
	Path string
}

// State is one of the four directories a packet can occupy for a given agent.
type State string

const (
	StateNew        State = "new"
	StateSeen       State = "seen"
	StateInProgress State = "in_progress"
	StateProcessed  State = "processed"
)

// AllStates lists the inbox state directories in their lifecycle order.
var AllStates = []State{StateNew, StateSeen, StateInProgress, StateProcessed}

// Outcome is the closing disposition of a (agent, task) pair.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
)

// FollowUp is a task dispatched from a parsed turn output.
type FollowUp struct {
	To      []string          `json:"to"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Signals Signals           `json:"signals"`
	Refs    map[string]string `json:"references,omitempty"`
}

// FollowUpDispatchError records a follow-up the Supervisor refused to deliver.
type FollowUpDispatchError struct {
	To     []string `json:"to"`
	Title  string   `json:"title"`
	Reason string   `json:"reason"`
}

// ReceiptExtra is the opaque structured output the agent turn produced, plus
// the bookkeeping the Supervisor appends around it.
type ReceiptExtra struct {
	Raw                    map[string]any          `json:"raw,omitempty"`
	FollowUps              []FollowUp              `json:"followUps,omitempty"`
	FollowUpDispatchErrors []FollowUpDispatchError `json:"followUpDispatchErrors,omitempty"`
	Error                  string                  `json:"error,omitempty"`
}

// Receipt is the durable closure record for one (agent, task) pair.
type Receipt struct {
	Agent        string       `json:"agent"`
	TaskID       string       `json:"taskId"`
	Outcome      Outcome      `json:"outcome"`
	Note         string       `json:"note"`
	CommitSha    string       `json:"commitSha,omitempty"`
	Task         Meta         `json:"task"`
	ReceiptExtra ReceiptExtra `json:"receiptExtra,omitempty"`
	ClosedAt     time.Time    `json:"closedAt"`
}

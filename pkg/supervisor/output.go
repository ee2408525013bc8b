package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/taskmesh/agentbus/pkg/bus"
)

// TurnOutput is the subset of the external output schema the supervisor
// itself cares about: outcome, note, commitSha, optional
// followUps, and an opaque receiptExtra carried through verbatim.
type TurnOutput struct {
	Outcome   bus.Outcome    `json:"outcome"`
	Note      string         `json:"note"`
	CommitSha string         `json:"commitSha,omitempty"`
	FollowUps []bus.FollowUp `json:"followUps,omitempty"`
	Extra     map[string]any `json:"receiptExtra,omitempty"`
}

// ParseTurnOutput parses the turn's final JSON and validates it against the
// fields the supervisor requires. Anything else is schema_invalid.
func ParseTurnOutput(data []byte) (TurnOutput, error) {
	var out TurnOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return TurnOutput{}, &bus.Error{Op: "ParseTurnOutput", Kind: bus.KindSchemaInvalid, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	switch out.Outcome {
	case bus.OutcomeDone, bus.OutcomeNeedsReview, bus.OutcomeBlocked, bus.OutcomeFailed, bus.OutcomeSkipped:
	default:
		return TurnOutput{}, &bus.Error{Op: "ParseTurnOutput", Kind: bus.KindSchemaInvalid, Err: fmt.Errorf("unrecognized outcome %q", out.Outcome)}
	}
	return out, nil
}

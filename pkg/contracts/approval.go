package contracts

import "time"

// ApprovalOutcome is the terminal disposition of an approval request.
type ApprovalOutcome string

const (
	ApprovalPending  ApprovalOutcome = "pending"
	ApprovalApproved ApprovalOutcome = "approved"
	ApprovalDenied   ApprovalOutcome = "denied"
	ApprovalTimedOut ApprovalOutcome = "timed_out"
)

// ResponderDecision is one human responder's answer.
type ResponderDecision struct {
	ResponderID string    `json:"responder_id"`
	Approve     bool      `json:"approve"`
	Reason      string    `json:"reason,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
}

// ApprovalRequest tracks human approval for one action. Responders is
// append-only; Outcome is terminal once set. Quorum is 1 for high risk
// and 2 for critical (four-eyes: two distinct approver ids, a single
// approver approving twice does not satisfy it).
type ApprovalRequest struct {
	ActionID   string              `json:"action_id"`
	Quorum     int                 `json:"quorum"`
	Responders []ResponderDecision `json:"responders,omitempty"`
	Deadline   time.Time           `json:"deadline"`
	ChainIndex int                 `json:"chain_index"`
	Outcome    ApprovalOutcome     `json:"outcome"`
	CreatedAt  time.Time           `json:"created_at"`
	ResolvedAt time.Time           `json:"resolved_at,omitempty"`
}

// DistinctApprovers returns the number of distinct responder ids that
// approved and have no later denial.
func (r *ApprovalRequest) DistinctApprovers() int {
	seen := make(map[string]bool)
	for _, d := range r.Responders {
		if d.Approve {
			seen[d.ResponderID] = true
		}
	}
	return len(seen)
}

package contracts

import "time"

// PolicyDecision is the result of one policy evaluator call. Advisory
// input to the orchestrator; never mutated after creation.
type PolicyDecision struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

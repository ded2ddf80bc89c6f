package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"
)

// State is one node of the action lifecycle state machine.
type State string

const (
	StateSubmitted       State = "SUBMITTED"
	StateClassified      State = "CLASSIFIED"
	StatePolicyEvaluated State = "POLICY_EVALUATED"
	StateDenied          State = "DENIED"
	StateAwaitingApprov  State = "AWAITING_APPROVAL"
	StateSnapshotting    State = "SNAPSHOTTING"
	StateExecuting       State = "EXECUTING"
	StateValidating      State = "VALIDATING"
	StateSucceeded       State = "SUCCEEDED"
	StateRollingBack     State = "ROLLING_BACK"
	StateRolledBack      State = "ROLLED_BACK"
	StateRollbackFailed  State = "ROLLBACK_FAILED"
	StateTimedOut        State = "TIMED_OUT"
	StateCancelled       State = "CANCELLED"
	StateAbortedPreExec  State = "ABORTED_PRE_EXECUTION"
)

// Terminal reports whether s ends the lifecycle. Every submitted action
// reaches exactly one terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateDenied, StateSucceeded, StateRolledBack, StateRollbackFailed,
		StateTimedOut, StateCancelled, StateAbortedPreExec:
		return true
	}
	return false
}

// ExecutionResult is what an executor reports back for one execute call.
type ExecutionResult struct {
	Success    bool           `json:"success"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Detail     string         `json:"detail,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}

// ValidationOutcome is the post-execution health determination. A
// validation window elapsing without confirmation is unhealthy, not an
// error: ambiguity defaults to caution.
type ValidationOutcome struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Detail    string    `json:"detail,omitempty"`
	Checks    int       `json:"checks"`
}

// HealthStatus is one executor health probe result.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// TransitionEntry is one immutable audit-trail line: the compliance
// record of a single state transition and the data that decided it.
type TransitionEntry struct {
	From        State          `json:"from"`
	To          State          `json:"to"`
	At          time.Time      `json:"at"`
	Detail      map[string]any `json:"detail,omitempty"`
	ContentHash string         `json:"content_hash"`
}

// NewTransitionEntry builds an entry with its RFC 8785 canonical content
// hash so trail tampering is detectable downstream.
func NewTransitionEntry(from, to State, at time.Time, detail map[string]any) TransitionEntry {
	e := TransitionEntry{From: from, To: to, At: at.UTC(), Detail: detail}
	hashable := struct {
		From   State          `json:"from"`
		To     State          `json:"to"`
		At     string         `json:"at"`
		Detail map[string]any `json:"detail,omitempty"`
	}{e.From, e.To, e.At.Format(time.RFC3339Nano), e.Detail}

	raw, err := json.Marshal(hashable)
	if err == nil {
		if canon, cerr := jcs.Transform(raw); cerr == nil {
			raw = canon
		}
		h := sha256.Sum256(raw)
		e.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	}
	return e
}

// ActionRecord is the aggregate root threading one action's whole
// lifecycle. Created at submission, mutated only by the orchestrator,
// never destroyed. The Transitions trail is append-only and immutable
// once written.
type ActionRecord struct {
	Action     Action             `json:"action"`
	RiskLevel  RiskLevel          `json:"risk_level"`
	Policy     *PolicyDecision    `json:"policy,omitempty"`
	Approval   *ApprovalRequest   `json:"approval,omitempty"`
	Snapshot   *Snapshot          `json:"snapshot,omitempty"`
	Execution  *ExecutionResult   `json:"execution,omitempty"`
	Validation *ValidationOutcome `json:"validation,omitempty"`

	State       State             `json:"state"`
	Transitions []TransitionEntry `json:"transitions"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Transition appends one audit entry and moves the record to the new
// state. The trail only ever grows.
func (r *ActionRecord) Transition(to State, at time.Time, detail map[string]any) {
	r.Transitions = append(r.Transitions, NewTransitionEntry(r.State, to, at, detail))
	r.State = to
	r.UpdatedAt = at.UTC()
}

// Clone returns a deep-enough copy safe to hand to readers while the
// owning goroutine keeps mutating the original.
func (r *ActionRecord) Clone() *ActionRecord {
	cp := *r
	cp.Transitions = append([]TransitionEntry(nil), r.Transitions...)
	if r.Policy != nil {
		p := *r.Policy
		cp.Policy = &p
	}
	if r.Approval != nil {
		a := *r.Approval
		a.Responders = append([]ResponderDecision(nil), r.Approval.Responders...)
		cp.Approval = &a
	}
	if r.Snapshot != nil {
		s := *r.Snapshot
		s.Payload = append([]byte(nil), r.Snapshot.Payload...)
		cp.Snapshot = &s
	}
	if r.Execution != nil {
		e := *r.Execution
		cp.Execution = &e
	}
	if r.Validation != nil {
		v := *r.Validation
		cp.Validation = &v
	}
	return &cp
}

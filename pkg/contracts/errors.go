package contracts

import "errors"

// Typed failure classes of the pipeline. Anything not listed here is a
// component-local failure that gets retried or absorbed where it occurs.
var (
	// ErrPolicyUnavailable is internal to the policy gate. It is never
	// surfaced to callers; the gate translates it into a denying decision.
	ErrPolicyUnavailable = errors.New("policy evaluator unavailable")

	// ErrSnapshotFailed means pre-action state could not be captured.
	// Fatal to the action, not retried: no change may be made without a
	// rollback path.
	ErrSnapshotFailed = errors.New("snapshot capture failed")

	// ErrAlreadyRolledBack rejects a second restore of the same snapshot.
	ErrAlreadyRolledBack = errors.New("snapshot already rolled back")

	// ErrSnapshotExpired rejects restoring a snapshot past its window.
	ErrSnapshotExpired = errors.New("snapshot expired")

	// ErrRecordNotFound means no ActionRecord exists for the given id.
	ErrRecordNotFound = errors.New("action record not found")

	// ErrTerminalState rejects operations on a record that has already
	// reached a terminal state.
	ErrTerminalState = errors.New("action record is terminal")

	// ErrDuplicateAction rejects submitting an action id twice.
	ErrDuplicateAction = errors.New("action id already submitted")

	// ErrInvalidAction rejects a submission failing structural or schema
	// validation before any record is created.
	ErrInvalidAction = errors.New("invalid action")
)

package contracts

import "time"

// RollbackStatus tracks whether a snapshot is still usable for rollback.
type RollbackStatus string

const (
	RollbackAvailable RollbackStatus = "available"
	RollbackUsed      RollbackStatus = "used"
	RollbackExpired   RollbackStatus = "expired"
)

// Snapshot is an opaque pre-action state capture. The payload is an
// executor-specific blob this subsystem never interprets. Consumed at
// most once by rollback; a second restore attempt must fail with
// ErrAlreadyRolledBack, never silently re-execute.
type Snapshot struct {
	ID         string         `json:"id"`
	ActionID   string         `json:"action_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Payload    []byte         `json:"payload,omitempty"`
	PayloadRef string         `json:"payload_ref,omitempty"` // blob-store key when offloaded
	Status     RollbackStatus `json:"status"`
}

// RollbackOutcome records the result of one restore attempt.
type RollbackOutcome struct {
	SnapshotID string    `json:"snapshot_id"`
	Restored   bool      `json:"restored"`
	RestoredAt time.Time `json:"restored_at"`
	Detail     string    `json:"detail,omitempty"`
}

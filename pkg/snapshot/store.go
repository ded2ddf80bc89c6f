// Package snapshot captures pre-action state and drives rollback. A
// snapshot exists for every action that reaches execution; it is
// consumed at most once. Capture failure is fatal to the action: no
// change is made without a rollback path.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsentry/opsentry/pkg/contracts"
	"github.com/opsentry/opsentry/pkg/executor"
)

// Store captures and restores snapshots. Payloads above InlineLimit are
// offloaded to the blob store and referenced by content hash.
type Store struct {
	mu          sync.Mutex
	snapshots   map[string]*contracts.Snapshot // keyed by snapshot id
	byAction    map[string]string              // action id -> snapshot id
	blobs       BlobStore
	inlineLimit int
	clock       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBlobStore offloads large payloads to the given blob store.
func WithBlobStore(bs BlobStore, inlineLimit int) Option {
	return func(s *Store) {
		s.blobs = bs
		s.inlineLimit = inlineLimit
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates a snapshot store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		snapshots:   make(map[string]*contracts.Snapshot),
		byAction:    make(map[string]string),
		inlineLimit: 64 * 1024,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture asks the executor for the resource's opaque state and records
// it under the action. Not retried: a capture failure aborts the action
// before any change is made.
func (s *Store) Capture(ctx context.Context, action contracts.Action, ex executor.Executor) (*contracts.Snapshot, error) {
	payload, err := ex.CaptureState(ctx, action.Resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrSnapshotFailed, err)
	}

	snap := &contracts.Snapshot{
		ID:         uuid.New().String(),
		ActionID:   action.ID,
		CapturedAt: s.clock(),
		Status:     contracts.RollbackAvailable,
	}

	if s.blobs != nil && len(payload) > s.inlineLimit {
		ref, err := s.blobs.Store(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: blob offload: %v", contracts.ErrSnapshotFailed, err)
		}
		snap.PayloadRef = ref
	} else {
		snap.Payload = payload
	}

	s.mu.Lock()
	s.snapshots[snap.ID] = snap
	s.byAction[action.ID] = snap.ID
	s.mu.Unlock()

	return snap, nil
}

// Restore applies the snapshot back through the executor. Idempotent by
// rejection: the second call for the same snapshot fails with
// ErrAlreadyRolledBack without touching the executor again.
func (s *Store) Restore(ctx context.Context, snap *contracts.Snapshot, resourceID string, ex executor.Executor) (*contracts.RollbackOutcome, error) {
	s.mu.Lock()
	stored, ok := s.snapshots[snap.ID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("snapshot %q not found", snap.ID)
	}
	switch stored.Status {
	case contracts.RollbackUsed:
		s.mu.Unlock()
		return nil, contracts.ErrAlreadyRolledBack
	case contracts.RollbackExpired:
		s.mu.Unlock()
		return nil, contracts.ErrSnapshotExpired
	}
	// Mark used before releasing the lock so a concurrent restore of the
	// same snapshot is rejected rather than racing the executor.
	stored.Status = contracts.RollbackUsed
	snap.Status = contracts.RollbackUsed
	payload := stored.Payload
	payloadRef := stored.PayloadRef
	s.mu.Unlock()

	if payloadRef != "" {
		blob, err := s.blobs.Get(ctx, payloadRef)
		if err != nil {
			return nil, fmt.Errorf("snapshot payload fetch: %w", err)
		}
		payload = blob
	}

	restored, err := ex.RestoreState(ctx, resourceID, payload)
	outcome := &contracts.RollbackOutcome{
		SnapshotID: snap.ID,
		Restored:   restored && err == nil,
		RestoredAt: s.clock(),
	}
	if err != nil {
		outcome.Detail = err.Error()
		return outcome, fmt.Errorf("restore state: %w", err)
	}
	if !restored {
		outcome.Detail = "executor reported restore not applied"
		return outcome, fmt.Errorf("restore state: executor did not apply snapshot %s", snap.ID)
	}
	return outcome, nil
}

// Get returns the stored snapshot for an action id, if any.
func (s *Store) Get(actionID string) (*contracts.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAction[actionID]
	if !ok {
		return nil, false
	}
	snap := s.snapshots[id]
	return snap, snap != nil
}

// Expire marks an action's snapshot unusable for rollback.
func (s *Store) Expire(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byAction[actionID]; ok {
		if snap := s.snapshots[id]; snap != nil && snap.Status == contracts.RollbackAvailable {
			snap.Status = contracts.RollbackExpired
		}
	}
}

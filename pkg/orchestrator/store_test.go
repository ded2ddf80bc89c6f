package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsentry/opsentry/pkg/contracts"
)

func sampleRecord(id string) *contracts.ActionRecord {
	rec := &contracts.ActionRecord{
		Action: contracts.Action{
			ID:          id,
			Type:        contracts.ActionRestart,
			Resource:    "svc-1",
			Environment: contracts.EnvStaging,
			AgentID:     "agent-1",
		},
		RiskLevel: contracts.RiskLow,
		CreatedAt: time.Now().UTC(),
	}
	rec.Transition(contracts.StateSubmitted, time.Now(), nil)
	return rec
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRecord("a-1")))

	got, err := s.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.Action.ID)
	assert.Equal(t, contracts.StateSubmitted, got.State)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, contracts.ErrRecordNotFound)
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRecord("a-1")))
	assert.ErrorIs(t, s.Create(ctx, sampleRecord("a-1")), contracts.ErrDuplicateAction)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleRecord("a-1")))

	got, err := s.Get(ctx, "a-1")
	require.NoError(t, err)
	got.Transition(contracts.StateDenied, time.Now(), nil)

	again, err := s.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateSubmitted, again.State, "reader mutations must not leak into the store")
}

func TestMemoryStoreSaveUpdates(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()

	rec := sampleRecord("a-1")
	require.NoError(t, s.Create(ctx, rec))

	rec.Transition(contracts.StateClassified, time.Now(), nil)
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateClassified, got.State)
	assert.Len(t, got.Transitions, 2)
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	s := NewMemoryRecordStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRecord("a-1")))
	require.NoError(t, s.Create(ctx, sampleRecord("a-2")))
	require.NoError(t, s.Create(ctx, sampleRecord("a-3")))

	records, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a-3", records[0].Action.ID)
	assert.Equal(t, "a-2", records[1].Action.ID)
}

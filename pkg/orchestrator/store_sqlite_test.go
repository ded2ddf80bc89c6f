package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsentry/opsentry/pkg/contracts"
)

func openSQLiteStore(t *testing.T) *SQLiteRecordStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/records.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteRecordStore(db)
	require.NoError(t, err)
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := openSQLiteStore(t)
	ctx := context.Background()

	rec := sampleRecord("a-1")
	rec.RiskLevel = contracts.RiskHigh
	rec.Policy = &contracts.PolicyDecision{Allowed: true, Reason: "ok", EvaluatedAt: time.Now().UTC()}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskHigh, got.RiskLevel)
	require.NotNil(t, got.Policy)
	assert.True(t, got.Policy.Allowed)
	require.Len(t, got.Transitions, 1)
	assert.Equal(t, rec.Transitions[0].ContentHash, got.Transitions[0].ContentHash)
}

func TestSQLiteStoreDuplicateCreate(t *testing.T) {
	s := openSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, sampleRecord("a-1")))
	assert.ErrorIs(t, s.Create(ctx, sampleRecord("a-1")), contracts.ErrDuplicateAction)
}

func TestSQLiteStoreSaveUpserts(t *testing.T) {
	s := openSQLiteStore(t)
	ctx := context.Background()

	rec := sampleRecord("a-1")
	require.NoError(t, s.Create(ctx, rec))

	rec.Transition(contracts.StateClassified, time.Now(), map[string]any{"risk_level": "low"})
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateClassified, got.State)
	assert.Len(t, got.Transitions, 2)
}

func TestSQLiteStoreGetMissing(t *testing.T) {
	s := openSQLiteStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, contracts.ErrRecordNotFound)
}

func TestSQLiteStoreList(t *testing.T) {
	s := openSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		rec := sampleRecord(id)
		rec.CreatedAt = time.Now().UTC()
		rec.UpdatedAt = rec.CreatedAt
		require.NoError(t, s.Create(ctx, rec))
		time.Sleep(2 * time.Millisecond)
	}

	records, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a-3", records[0].Action.ID, "newest first")
}

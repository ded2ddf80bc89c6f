package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsentry/opsentry/pkg/contracts"
)

func testEntry() contracts.TransitionEntry {
	return contracts.NewTransitionEntry(
		contracts.StateSubmitted, contracts.StateClassified,
		time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		map[string]any{"risk_level": "high"},
	)
}

func TestWriterSinkWritesPrefixedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSinkWith(&buf)

	require.NoError(t, s.Append(context.Background(), "a-1", testEntry()))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "AUDIT: "))
	require.True(t, strings.HasSuffix(out, "\n"))

	var line Line
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(out), "AUDIT: ")), &line))
	assert.Equal(t, "a-1", line.RecordID)
	assert.Equal(t, contracts.StateClassified, line.Entry.To)
	assert.NotEmpty(t, line.ID)
	assert.True(t, strings.HasPrefix(line.Entry.ContentHash, "sha256:"))
}

type failingSink struct{ calls int }

func (f *failingSink) Append(context.Context, string, contracts.TransitionEntry) error {
	f.calls++
	return errors.New("disk full")
}

func TestBestEffortSwallowsSinkErrors(t *testing.T) {
	inner := &failingSink{}
	b := NewBestEffort(inner, 50*time.Millisecond)

	err := b.Append(context.Background(), "a-1", testEntry())
	assert.NoError(t, err, "audit failures must never propagate")
	assert.Equal(t, 1, inner.calls)
}

type blockingSink struct{}

func (blockingSink) Append(ctx context.Context, _ string, _ contracts.TransitionEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBestEffortBoundsWriteTime(t *testing.T) {
	b := NewBestEffort(blockingSink{}, 20*time.Millisecond)

	start := time.Now()
	err := b.Append(context.Background(), "a-1", testEntry())
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBestEffortSurvivesCancelledContext(t *testing.T) {
	var buf bytes.Buffer
	b := NewBestEffort(NewWriterSinkWith(&buf), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, b.Append(ctx, "a-1", testEntry()))
	assert.Contains(t, buf.String(), "AUDIT: ", "a cancelled action still gets its terminal entry")
}

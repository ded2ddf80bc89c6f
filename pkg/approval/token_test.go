package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackTokenRoundTrip(t *testing.T) {
	s := NewCallbackSigner([]byte("secret"))
	deadline := time.Now().Add(5 * time.Minute)

	tok, err := s.Issue("a-1", "alice", deadline)
	require.NoError(t, err)
	assert.NoError(t, s.Verify(tok, "a-1", "alice"))
}

func TestCallbackTokenBoundToActionAndResponder(t *testing.T) {
	s := NewCallbackSigner([]byte("secret"))
	tok, err := s.Issue("a-1", "alice", time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	assert.Error(t, s.Verify(tok, "a-2", "alice"), "token must not answer another action")
	assert.Error(t, s.Verify(tok, "a-1", "bob"), "token must not answer for another responder")
}

func TestCallbackTokenExpiresWithDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewCallbackSigner([]byte("secret")).WithClock(func() time.Time { return now })

	tok, err := s.Issue("a-1", "alice", now.Add(5*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Verify(tok, "a-1", "alice"))

	now = now.Add(6 * time.Minute)
	assert.Error(t, s.Verify(tok, "a-1", "alice"))
}

func TestCallbackTokenWrongSecretRejected(t *testing.T) {
	tok, err := NewCallbackSigner([]byte("secret-a")).Issue("a-1", "alice", time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.Error(t, NewCallbackSigner([]byte("secret-b")).Verify(tok, "a-1", "alice"))
}

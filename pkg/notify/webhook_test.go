package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookDispatcherDelivers(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL)
	actions := []MessageAction{
		{Label: "Approve", CallbackURL: "https://opsentry.local/v1/approvals/callback?decision=approve"},
		{Label: "Deny", CallbackURL: "https://opsentry.local/v1/approvals/callback?decision=deny"},
	}
	deliveryID, err := d.Send(context.Background(), "webhook", []string{"oncall@example.com"}, "approval needed", actions)
	require.NoError(t, err)

	assert.Equal(t, deliveryID, got.DeliveryID)
	assert.NotEmpty(t, got.DeliveryID)
	assert.Equal(t, "webhook", got.Channel)
	assert.Equal(t, []string{"oncall@example.com"}, got.Recipients)
	assert.Equal(t, "approval needed", got.Message)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, "Approve", got.Actions[0].Label)
	assert.False(t, got.SentAt.IsZero())
}

func TestWebhookDispatcherRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhookDispatcher(srv.URL).Send(context.Background(), "webhook", nil, "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestWebhookDispatcherUnreachableEndpoint(t *testing.T) {
	_, err := NewWebhookDispatcher("http://127.0.0.1:1/hooks").Send(context.Background(), "webhook", nil, "hello", nil)
	assert.Error(t, err)
}

func TestLogDispatcherAlwaysSucceeds(t *testing.T) {
	id, err := NewLogDispatcher().Send(context.Background(), "log", []string{"dev"}, "hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

// Package notify defines the notification dispatcher contract the
// pipeline uses to reach humans: approval requests from the coordinator
// and terminal-failure escalations from the orchestrator. Transports
// (chat, SMS, voice, email) are external; a webhook dispatcher ships as
// the default.
package notify

import (
	"context"
	"log"
)

// MessageAction is an interactive affordance attached to a message,
// typically an approve/deny button pointing at a callback URL.
type MessageAction struct {
	Label       string `json:"label"`
	CallbackURL string `json:"callback_url"`
}

// Dispatcher delivers a message to recipients on a channel and returns
// a transport delivery id.
type Dispatcher interface {
	Send(ctx context.Context, channel string, recipients []string, message string, actions []MessageAction) (string, error)
}

// LogDispatcher writes notifications to the process log. Default for
// development; delivery always succeeds.
type LogDispatcher struct{}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{}
}

func (d *LogDispatcher) Send(_ context.Context, channel string, recipients []string, message string, actions []MessageAction) (string, error) {
	log.Printf("notify [%s] to=%v actions=%d: %s", channel, recipients, len(actions), message)
	return "log-delivery", nil
}

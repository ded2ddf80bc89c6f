// Package approval manages human-approval requests: quorum counting,
// the four-eyes rule for critical risk, and timeout-driven escalation
// through an ordered responder chain. The coordinator's wait is the
// longest suspension in the pipeline (up to ~15 minutes) and must stay
// cancellable.
package approval

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opsentry/opsentry/pkg/contracts"
	"github.com/opsentry/opsentry/pkg/notify"
)

// Responder is one link of the escalation chain.
type Responder struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Address string `json:"address"`
}

// Config tunes the coordinator.
type Config struct {
	// PrimaryTimeout is the first responder's window. Default 5m.
	PrimaryTimeout time.Duration
	// EscalationTimeout is each escalated responder's window. Default 10m.
	EscalationTimeout time.Duration
	// CallbackBaseURL prefixes approve/deny callback links in messages.
	CallbackBaseURL string
	// Signer signs callback tokens; optional but recommended.
	Signer *CallbackSigner
}

// Coordinator runs approval requests. One RequestApproval call blocks
// its action's goroutine; responder answers arrive concurrently via
// Respond, wired to the HTTP callback endpoint.
type Coordinator struct {
	dispatcher notify.Dispatcher
	cfg        Config
	mu         sync.Mutex
	pending    map[string]*pendingApproval // keyed by action id
	clock      func() time.Time
}

type pendingApproval struct {
	request *contracts.ApprovalRequest
	// resolved is closed exactly once, under the coordinator lock, when
	// the request leaves ApprovalPending.
	resolved chan struct{}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(dispatcher notify.Dispatcher, cfg Config) *Coordinator {
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = 5 * time.Minute
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = 10 * time.Minute
	}
	return &Coordinator{
		dispatcher: dispatcher,
		cfg:        cfg,
		pending:    make(map[string]*pendingApproval),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic timestamps in tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// RequestApproval blocks until the request reaches a terminal outcome
// or ctx is cancelled. The returned request carries the outcome and the
// full responder set; on cancellation it is returned as-is with ctx's
// error so the orchestrator can record a cancellation terminal state.
//
// Outcome rules:
//   - any responder denying is terminal DENIED (high and critical alike)
//   - APPROVED requires Quorum distinct approving responder ids; for
//     critical that is two humans (four-eyes), the same id twice counts once
//   - the primary window elapsing with zero responses escalates to the
//     next responder in the chain and opens the escalation window
//   - the chain exhausting without resolution is TIMED_OUT
func (c *Coordinator) RequestApproval(ctx context.Context, record *contracts.ActionRecord, chain []Responder) (*contracts.ApprovalRequest, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("approval chain for action %s is empty", record.Action.ID)
	}

	now := c.clock()
	req := &contracts.ApprovalRequest{
		ActionID:   record.Action.ID,
		Quorum:     record.RiskLevel.ApproverQuorum(),
		Deadline:   now.Add(c.cfg.PrimaryTimeout),
		ChainIndex: 0,
		Outcome:    contracts.ApprovalPending,
		CreatedAt:  now,
	}

	pend := &pendingApproval{
		request:  req,
		resolved: make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.pending[record.Action.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("approval already pending for action %s", record.Action.ID)
	}
	c.pending[record.Action.ID] = pend
	c.mu.Unlock()
	defer c.remove(record.Action.ID)

	c.notifyResponder(ctx, record, chain[0], req.Deadline)

	timer := time.NewTimer(c.cfg.PrimaryTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Deregister before handing the request back so no further
			// Respond can touch it.
			c.remove(record.Action.ID)
			return req, ctx.Err()

		case <-pend.resolved:
			return req, nil

		case <-timer.C:
			c.mu.Lock()
			if req.Outcome != contracts.ApprovalPending {
				// A decision resolved the request while the timer fired.
				c.mu.Unlock()
				return req, nil
			}
			// Escalate only when nobody in the current window responded;
			// partial quorum at the deadline is a timeout, not another hop.
			if len(req.Responders) == 0 && req.ChainIndex+1 < len(chain) {
				req.ChainIndex++
				req.Deadline = c.clock().Add(c.cfg.EscalationTimeout)
				next := chain[req.ChainIndex]
				c.mu.Unlock()
				c.notifyResponder(ctx, record, next, req.Deadline)
				timer.Reset(c.cfg.EscalationTimeout)
				continue
			}
			c.resolve(req, contracts.ApprovalTimedOut)
			close(pend.resolved)
			c.mu.Unlock()
			return req, nil
		}
	}
}

// Respond delivers one responder's decision for a pending request.
// Returns contracts.ErrRecordNotFound when nothing is pending for the
// action id (already resolved, cancelled, or never requested). The
// decision is applied under the lock: a nil return means it is part of
// the request's responder set, never dropped.
func (c *Coordinator) Respond(actionID, responderID string, approve bool, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pend, ok := c.pending[actionID]
	if !ok || pend.request.Outcome != contracts.ApprovalPending {
		return fmt.Errorf("%w: no pending approval for action %s", contracts.ErrRecordNotFound, actionID)
	}

	req := pend.request
	req.Responders = append(req.Responders, contracts.ResponderDecision{
		ResponderID: responderID,
		Approve:     approve,
		Reason:      reason,
		RespondedAt: c.clock(),
	})
	if !approve {
		c.resolve(req, contracts.ApprovalDenied)
		close(pend.resolved)
	} else if req.DistinctApprovers() >= req.Quorum {
		c.resolve(req, contracts.ApprovalApproved)
		close(pend.resolved)
	}
	return nil
}

// PendingCount returns the number of in-flight approval requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) resolve(req *contracts.ApprovalRequest, outcome contracts.ApprovalOutcome) {
	req.Outcome = outcome
	req.ResolvedAt = c.clock()
}

func (c *Coordinator) remove(actionID string) {
	c.mu.Lock()
	delete(c.pending, actionID)
	c.mu.Unlock()
}

func (c *Coordinator) notifyResponder(ctx context.Context, record *contracts.ActionRecord, responder Responder, deadline time.Time) {
	message := fmt.Sprintf(
		"approval required: %s on %s in %s (risk %s, quorum %d), respond by %s",
		record.Action.Type, record.Action.Resource, record.Action.Environment,
		record.RiskLevel, record.RiskLevel.ApproverQuorum(), deadline.UTC().Format(time.RFC3339),
	)

	var actions []notify.MessageAction
	if c.cfg.CallbackBaseURL != "" {
		actions = c.callbackActions(record.Action.ID, responder.ID, deadline)
	}

	// Delivery failures are not fatal to the approval: the timeout and
	// escalation chain already cover an unreachable responder.
	if _, err := c.dispatcher.Send(ctx, responder.Channel, []string{responder.Address}, message, actions); err != nil {
		log.Printf("approval notify failed for action %s responder %s: %v", record.Action.ID, responder.ID, err)
	}
}

func (c *Coordinator) callbackActions(actionID, responderID string, deadline time.Time) []notify.MessageAction {
	approveURL := fmt.Sprintf("%s/v1/approvals/callback?action_id=%s&responder_id=%s&decision=approve", c.cfg.CallbackBaseURL, actionID, responderID)
	denyURL := fmt.Sprintf("%s/v1/approvals/callback?action_id=%s&responder_id=%s&decision=deny", c.cfg.CallbackBaseURL, actionID, responderID)

	if c.cfg.Signer != nil {
		if tok, err := c.cfg.Signer.Issue(actionID, responderID, deadline); err == nil {
			approveURL += "&token=" + tok
			denyURL += "&token=" + tok
		}
	}
	return []notify.MessageAction{
		{Label: "Approve", CallbackURL: approveURL},
		{Label: "Deny", CallbackURL: denyURL},
	}
}

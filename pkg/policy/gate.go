package policy

import (
	"context"
	"time"

	"github.com/opsentry/opsentry/pkg/contracts"
)

// Request is the structured input handed to the policy evaluator.
type Request struct {
	ActionID    string           `json:"action_id"`
	ActionType  string           `json:"action_type"`
	Resource    string           `json:"resource"`
	Environment string           `json:"environment"`
	RiskLevel   string           `json:"risk_level"`
	AgentID     string           `json:"agent_id"`
	Team        string           `json:"team,omitempty"`
	Counters    map[string]int64 `json:"counters,omitempty"` // contextual counters, e.g. blast radius
}

// Response is the evaluator's verdict.
type Response struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Evaluator is the black-box policy evaluator client. Rule language and
// authoring are external; the gate only depends on this contract.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*Response, error)
}

// Gate wraps an Evaluator with circuit-breaker protection and a bounded
// per-call timeout. Evaluate never returns an error: any failure is a
// denying decision.
type Gate struct {
	evaluator Evaluator
	breaker   *Breaker
	timeout   time.Duration
	clock     func() time.Time
}

// GateConfig tunes the gate.
type GateConfig struct {
	// Timeout bounds one evaluator call. Default 250ms.
	Timeout time.Duration
	// FailureThreshold opens the breaker after this many consecutive
	// failures. Default 5.
	FailureThreshold int
	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration
}

// NewGate creates a Gate around the evaluator. The returned Gate owns
// process-wide breaker state; share one instance across all actions.
func NewGate(evaluator Evaluator, cfg GateConfig) *Gate {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Gate{
		evaluator: evaluator,
		breaker:   NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
		timeout:   timeout,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing. The breaker
// shares it.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	g.breaker.WithClock(clock)
	return g
}

// BreakerState exposes the breaker state, for status surfaces.
func (g *Gate) BreakerState() BreakerState {
	return g.breaker.State()
}

// Evaluate asks the evaluator whether the action may proceed.
//
// Fail closed: an open breaker, a transport error, a timeout, or a
// malformed response all produce allowed=false. The caller never sees
// contracts.ErrPolicyUnavailable; it exists only inside this package's
// reason strings.
func (g *Gate) Evaluate(ctx context.Context, action contracts.Action, level contracts.RiskLevel, counters map[string]int64) contracts.PolicyDecision {
	now := g.clock()

	if !g.breaker.Allow() {
		return contracts.PolicyDecision{
			Allowed:     false,
			Reason:      contracts.ErrPolicyUnavailable.Error(),
			EvaluatedAt: now,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.evaluator.Evaluate(callCtx, Request{
		ActionID:    action.ID,
		ActionType:  string(action.Type),
		Resource:    action.Resource,
		Environment: string(action.Environment),
		RiskLevel:   string(level),
		AgentID:     action.AgentID,
		Team:        action.Team,
		Counters:    counters,
	})
	if err != nil || resp == nil {
		g.breaker.RecordFailure()
		return contracts.PolicyDecision{
			Allowed:     false,
			Reason:      contracts.ErrPolicyUnavailable.Error(),
			EvaluatedAt: g.clock(),
		}
	}

	g.breaker.RecordSuccess()
	return contracts.PolicyDecision{
		Allowed:     resp.Allowed,
		Reason:      resp.Reason,
		EvaluatedAt: g.clock(),
	}
}

// Package orchestrator drives a submitted action through the safety
// pipeline: classify, gate, approve, snapshot, execute, validate, roll
// back. One goroutine owns each action's record from submission to its
// terminal state; every transition appends one immutable audit entry.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsentry/opsentry/pkg/approval"
	"github.com/opsentry/opsentry/pkg/audit"
	"github.com/opsentry/opsentry/pkg/contracts"
	"github.com/opsentry/opsentry/pkg/executor"
	"github.com/opsentry/opsentry/pkg/notify"
	"github.com/opsentry/opsentry/pkg/observability"
	"github.com/opsentry/opsentry/pkg/policy"
	"github.com/opsentry/opsentry/pkg/risk"
	"github.com/opsentry/opsentry/pkg/snapshot"
	"github.com/opsentry/opsentry/pkg/validation"
)

// Deps are the collaborators the orchestrator delegates to. All are
// required except Params, Notifier and Observer.
type Deps struct {
	Classifier *risk.Classifier
	Gate       *policy.Gate
	Snapshots  *snapshot.Store
	Approvals  *approval.Coordinator
	Validator  *validation.Loop
	Executors  *executor.Registry
	Store      RecordStore
	Audit      audit.Sink
	Params     *contracts.ParamValidator
	Notifier   notify.Dispatcher
	Observer   *observability.Provider
}

// Config tunes orchestrator behavior.
type Config struct {
	// ApprovalChain is the ordered escalation chain for actions that
	// need human approval.
	ApprovalChain []approval.Responder

	// MaxLifetime bounds an action's total pre-execution wall time.
	// Hitting it before execution starts ends the action TIMED_OUT.
	// Once execution begins the action always runs to a terminal state.
	MaxLifetime time.Duration

	// ValidationTimeout overrides the validation loop default. Actions
	// may further override it per call via the
	// "validation_timeout_seconds" parameter.
	ValidationTimeout time.Duration

	// NotifyChannel and NotifyRecipients receive terminal-failure
	// notifications, most importantly ROLLBACK_FAILED escalations.
	NotifyChannel    string
	NotifyRecipients []string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLifetime:   30 * time.Minute,
		NotifyChannel: "webhook",
	}
}

// inflight tracks one running action goroutine. Guarded by the
// orchestrator mutex; cancelled/executing are one-way flags and done is
// closed when the goroutine exits.
type inflight struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
	executing bool
}

// Orchestrator is the action safety pipeline's state machine.
type Orchestrator struct {
	deps   Deps
	config Config
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	running map[string]*inflight
	wg      sync.WaitGroup
}

// New creates an orchestrator. Deps.Store, Deps.Audit and the pipeline
// components must be non-nil.
func New(deps Deps, config Config) *Orchestrator {
	if config.MaxLifetime <= 0 {
		config.MaxLifetime = 30 * time.Minute
	}
	return &Orchestrator{
		deps:    deps,
		config:  config,
		logger:  slog.Default().With("component", "orchestrator"),
		clock:   time.Now,
		running: make(map[string]*inflight),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Submit validates and registers an action, spawns its pipeline
// goroutine and returns immediately with the action id. Rejections
// before the record exists return ErrInvalidAction or
// ErrDuplicateAction; everything after is reported through the record.
func (o *Orchestrator) Submit(ctx context.Context, action contracts.Action) (string, error) {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Type == "" || action.Resource == "" {
		return "", fmt.Errorf("%w: type and resource are required", contracts.ErrInvalidAction)
	}
	if !action.Environment.Valid() {
		return "", fmt.Errorf("%w: unknown environment %q", contracts.ErrInvalidAction, action.Environment)
	}
	if o.deps.Params != nil {
		if err := o.deps.Params.Validate(action); err != nil {
			return "", err
		}
	}
	ex, err := o.deps.Executors.Resolve(action.Environment)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrInvalidAction, err)
	}
	if action.SubmittedAt.IsZero() {
		action.SubmittedAt = o.clock()
	}

	rec := &contracts.ActionRecord{
		Action:    action,
		CreatedAt: action.SubmittedAt.UTC(),
	}
	// Create before auditing: a rejected duplicate must not leave an
	// entry on the original action's trail.
	rec.Transition(contracts.StateSubmitted, o.clock(), map[string]any{
		"agent_id": action.AgentID,
		"type":     string(action.Type),
		"resource": action.Resource,
	})
	if err := o.deps.Store.Create(ctx, rec); err != nil {
		return "", err
	}
	o.audit(ctx, rec)
	o.observeSubmitted(ctx, action)

	runCtx, cancel := context.WithTimeout(context.Background(), o.config.MaxLifetime)
	fl := &inflight{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.running[action.ID] = fl
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(runCtx, rec, fl, ex)
	}()

	return action.ID, nil
}

// GetStatus returns a read-only copy of the action's record.
func (o *Orchestrator) GetStatus(ctx context.Context, actionID string) (*contracts.ActionRecord, error) {
	return o.deps.Store.Get(ctx, actionID)
}

// List returns the most recent records, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*contracts.ActionRecord, error) {
	return o.deps.Store.List(ctx, limit)
}

// Cancel requests cancellation of an in-flight action. It reports true
// only when the action had not started executing; once the executor is
// invoked the action always runs through to a terminal state.
func (o *Orchestrator) Cancel(_ context.Context, actionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	fl, ok := o.running[actionID]
	if !ok || fl.executing || fl.cancelled {
		return false
	}
	fl.cancelled = true
	fl.cancel()
	return true
}

// Wait blocks until all in-flight action goroutines reach a terminal
// state. Intended for shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done returns a channel that is closed once the action's pipeline
// goroutine has finished. Unknown or already-finished actions get an
// immediately closed channel. Callers use it to scope per-action
// resources, such as releasing a resource lock at the terminal state.
func (o *Orchestrator) Done(actionID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fl, ok := o.running[actionID]; ok {
		return fl.done
	}
	return closedDone
}

// run walks one action through the pipeline. ctx carries the lifetime
// deadline and the cancellation hook; it is detached before execution
// so mid-flight infrastructure changes are never abandoned.
func (o *Orchestrator) run(ctx context.Context, rec *contracts.ActionRecord, fl *inflight, ex executor.Executor) {
	defer o.forget(rec.Action.ID)

	// 1. Classify. Pure and infallible.
	_, endStage := o.stage(ctx, rec, "classify")
	rec.RiskLevel = o.deps.Classifier.Classify(rec.Action)
	endStage()
	o.transition(ctx, rec, contracts.StateClassified, map[string]any{
		"risk_level": string(rec.RiskLevel),
	})

	// 2. Policy gate. Never errors; unavailability denies.
	gateCtx, endStage := o.stage(ctx, rec, "policy")
	decision := o.deps.Gate.Evaluate(gateCtx, rec.Action, rec.RiskLevel, o.counters())
	endStage()
	rec.Policy = &decision
	o.transition(ctx, rec, contracts.StatePolicyEvaluated, map[string]any{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
	})
	if !decision.Allowed {
		o.terminal(ctx, rec, contracts.StateDenied, map[string]any{"reason": decision.Reason})
		return
	}

	// 3. Human approval when the risk/environment table demands it.
	if rec.RiskLevel.RequiresApproval(rec.Action.Environment) {
		o.transition(ctx, rec, contracts.StateAwaitingApprov, map[string]any{
			"quorum": rec.RiskLevel.ApproverQuorum(),
		})
		approvalCtx, endStage := o.stage(ctx, rec, "approval")
		req, err := o.deps.Approvals.RequestApproval(approvalCtx, rec, o.config.ApprovalChain)
		endStage()
		rec.Approval = req
		if err != nil {
			o.finishInterrupted(ctx, rec, fl, "approval wait interrupted")
			return
		}
		if req.Outcome != contracts.ApprovalApproved {
			o.terminal(ctx, rec, contracts.StateDenied, map[string]any{
				"approval_outcome": string(req.Outcome),
			})
			return
		}
	}

	// 4. Close the cancellation window, then detach from lifetime and
	// cancel signals: from here the action runs to a terminal state.
	o.mu.Lock()
	interrupted := ctx.Err() != nil
	if !interrupted {
		fl.executing = true
	}
	o.mu.Unlock()
	if interrupted {
		o.finishInterrupted(ctx, rec, fl, "interrupted before snapshot")
		return
	}
	execCtx := context.WithoutCancel(ctx)

	// 5. Snapshot. No change without a rollback path.
	o.transition(execCtx, rec, contracts.StateSnapshotting, nil)
	snapCtx, endStage := o.stage(execCtx, rec, "snapshot")
	snap, err := o.deps.Snapshots.Capture(snapCtx, rec.Action, ex)
	endStage()
	if err != nil {
		o.terminal(execCtx, rec, contracts.StateAbortedPreExec, map[string]any{
			"error": err.Error(),
		})
		return
	}
	rec.Snapshot = snap

	// 6. Execute.
	o.transition(execCtx, rec, contracts.StateExecuting, map[string]any{
		"snapshot_id": snap.ID,
	})
	execStageCtx, endStage := o.stage(execCtx, rec, "execute")
	started := o.clock()
	result, err := ex.Execute(execStageCtx, rec.Action)
	endStage()
	if result == nil {
		result = &contracts.ExecutionResult{StartedAt: started, FinishedAt: o.clock()}
	}
	if err != nil {
		result.Success = false
		if result.Detail == "" {
			result.Detail = err.Error()
		}
	}
	rec.Execution = result
	if !result.Success {
		o.rollback(execCtx, rec, ex, "execution failed: "+result.Detail)
		return
	}

	// 7. Validate until healthy or the window closes.
	o.transition(execCtx, rec, contracts.StateValidating, nil)
	validateCtx, endStage := o.stage(execCtx, rec, "validate")
	outcome := o.deps.Validator.Validate(validateCtx, rec, o.validationTimeout(rec.Action), ex)
	endStage()
	rec.Validation = &outcome
	if !outcome.Healthy {
		o.rollback(execCtx, rec, ex, "validation failed: "+outcome.Detail)
		return
	}

	o.deps.Snapshots.Expire(rec.Action.ID)
	o.terminal(execCtx, rec, contracts.StateSucceeded, map[string]any{
		"checks": outcome.Checks,
	})
}

// rollback restores the pre-action snapshot. Restore is attempted
// exactly once; failure freezes the record in ROLLBACK_FAILED and
// escalates to humans.
func (o *Orchestrator) rollback(ctx context.Context, rec *contracts.ActionRecord, ex executor.Executor, reason string) {
	o.transition(ctx, rec, contracts.StateRollingBack, map[string]any{"reason": reason})
	restoreCtx, endStage := o.stage(ctx, rec, "rollback")
	outcome, err := o.deps.Snapshots.Restore(restoreCtx, rec.Snapshot, rec.Action.Resource, ex)
	endStage()
	if err != nil {
		detail := map[string]any{"reason": reason, "error": err.Error()}
		o.terminal(ctx, rec, contracts.StateRollbackFailed, detail)
		return
	}
	o.terminal(ctx, rec, contracts.StateRolledBack, map[string]any{
		"reason":      reason,
		"restored_at": outcome.RestoredAt.UTC().Format(time.RFC3339),
	})
}

// finishInterrupted maps an interrupted pre-execution wait to its
// terminal state: CANCELLED for an operator cancel, TIMED_OUT for the
// lifetime deadline.
func (o *Orchestrator) finishInterrupted(ctx context.Context, rec *contracts.ActionRecord, fl *inflight, detail string) {
	o.mu.Lock()
	cancelled := fl.cancelled
	o.mu.Unlock()

	state := contracts.StateTimedOut
	if cancelled {
		state = contracts.StateCancelled
	}
	// The interrupting ctx is already dead; persist on a fresh one.
	o.terminal(context.WithoutCancel(ctx), rec, state, map[string]any{"detail": detail})
}

// transition moves the record, appends the audit entry and persists.
// Audit writes are best-effort; store failures are logged, not fatal,
// so an observer outage can never strand a live action.
func (o *Orchestrator) transition(ctx context.Context, rec *contracts.ActionRecord, to contracts.State, detail map[string]any) {
	rec.Transition(to, o.clock(), detail)
	o.audit(ctx, rec)
	if err := o.deps.Store.Save(ctx, rec); err != nil {
		o.logger.Error("record save failed", "action_id", rec.Action.ID, "state", string(to), "error", err)
	}
}

// audit appends the record's latest transition entry to the sink.
func (o *Orchestrator) audit(ctx context.Context, rec *contracts.ActionRecord) {
	entry := rec.Transitions[len(rec.Transitions)-1]
	if err := o.deps.Audit.Append(ctx, rec.Action.ID, entry); err != nil {
		o.logger.Warn("audit append failed", "action_id", rec.Action.ID, "to", string(entry.To), "error", err)
	}
}

// terminal performs the final transition and the terminal side effects.
func (o *Orchestrator) terminal(ctx context.Context, rec *contracts.ActionRecord, to contracts.State, detail map[string]any) {
	o.transition(ctx, rec, to, detail)
	if o.deps.Observer != nil {
		o.deps.Observer.RecordTerminal(ctx, string(to))
	}
	switch to {
	case contracts.StateRollbackFailed:
		o.notifyFailure(ctx, rec, "MANUAL INTERVENTION REQUIRED: rollback failed", detail)
	case contracts.StateAbortedPreExec:
		o.notifyFailure(ctx, rec, "action aborted: snapshot capture failed", detail)
	}
	o.logger.Info("action reached terminal state",
		"action_id", rec.Action.ID,
		"state", string(to),
		"risk_level", string(rec.RiskLevel),
	)
}

func (o *Orchestrator) notifyFailure(ctx context.Context, rec *contracts.ActionRecord, headline string, detail map[string]any) {
	if o.deps.Notifier == nil {
		return
	}
	msg := fmt.Sprintf("%s\naction=%s type=%s resource=%s env=%s detail=%v",
		headline, rec.Action.ID, rec.Action.Type, rec.Action.Resource, rec.Action.Environment, detail)
	if _, err := o.deps.Notifier.Send(ctx, o.config.NotifyChannel, o.config.NotifyRecipients, msg, nil); err != nil {
		o.logger.Warn("failure notification not delivered", "action_id", rec.Action.ID, "error", err)
	}
}

func (o *Orchestrator) validationTimeout(action contracts.Action) time.Duration {
	if v, ok := action.Params["validation_timeout_seconds"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return o.config.ValidationTimeout
}

// counters exposes live pipeline counts to policy rules.
func (o *Orchestrator) counters() map[string]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]int64{"inflight": int64(len(o.running))}
}

func (o *Orchestrator) forget(actionID string) {
	o.mu.Lock()
	if fl, ok := o.running[actionID]; ok {
		close(fl.done)
		delete(o.running, actionID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) observeSubmitted(ctx context.Context, action contracts.Action) {
	if o.deps.Observer != nil {
		o.deps.Observer.RecordSubmitted(ctx, string(action.Environment))
	}
}

// stage opens a span and times one pipeline stage. The returned end
// func closes the span and records the stage duration histogram.
func (o *Orchestrator) stage(ctx context.Context, rec *contracts.ActionRecord, name string) (context.Context, func()) {
	obs := o.deps.Observer
	if obs == nil {
		return ctx, func() {}
	}
	started := o.clock()
	stageCtx, span := obs.StartStage(ctx, name, rec.Action.ID)
	return stageCtx, func() {
		obs.RecordStageDuration(stageCtx, name, o.clock().Sub(started))
		span.End()
	}
}

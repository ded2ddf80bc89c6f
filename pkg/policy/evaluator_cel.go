package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Rule is one ordered entry of a local policy bundle. The first rule
// whose When expression evaluates true decides the request.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	When   string `yaml:"when" json:"when"`
	Effect string `yaml:"effect" json:"effect"` // allow | deny
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Bundle is a local policy rule set. Default applies when no rule
// matches; an empty default denies.
type Bundle struct {
	Version string `yaml:"version" json:"version"`
	Default string `yaml:"default,omitempty" json:"default,omitempty"` // allow | deny (deny if empty)
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// CELEvaluator is an in-process evaluator backend for deployments that
// run without a remote policy service. It is still consumed through the
// Evaluator contract, so the Gate's fail-closed behavior is identical.
type CELEvaluator struct {
	env      *cel.Env
	bundle   Bundle
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator compiles an evaluator for the bundle.
func NewCELEvaluator(bundle Bundle) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	e := &CELEvaluator{
		env:      env,
		bundle:   bundle,
		prgCache: make(map[string]cel.Program),
	}
	// Compile eagerly so malformed bundles fail at boot, not at decision time.
	for _, r := range bundle.Rules {
		if r.Effect != "allow" && r.Effect != "deny" {
			return nil, fmt.Errorf("rule %q: effect must be allow or deny, got %q", r.Name, r.Effect)
		}
		if _, err := e.program(r.When); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return e, nil
}

// LoadBundle reads a YAML bundle from disk.
func LoadBundle(path string) (Bundle, error) {
	var b Bundle
	raw, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("policy bundle read: %w", err)
	}
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("policy bundle parse: %w", err)
	}
	return b, nil
}

func (e *CELEvaluator) Evaluate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	counters := make(map[string]int64, len(req.Counters))
	for k, v := range req.Counters {
		counters[k] = v
	}
	input := map[string]any{
		"request": map[string]any{
			"action_id":   req.ActionID,
			"action_type": req.ActionType,
			"resource":    req.Resource,
			"environment": req.Environment,
			"risk_level":  req.RiskLevel,
			"agent_id":    req.AgentID,
			"team":        req.Team,
			"counters":    counters,
		},
	}

	for _, r := range e.bundle.Rules {
		matched, err := e.evaluateExpr(r.When, input)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if !matched {
			continue
		}
		reason := r.Reason
		if reason == "" {
			reason = "matched rule " + r.Name
		}
		return &Response{Allowed: r.Effect == "allow", Reason: reason}, nil
	}

	if e.bundle.Default == "allow" {
		return &Response{Allowed: true, Reason: "no rule matched; bundle default allows"}, nil
	}
	return &Response{Allowed: false, Reason: "no rule matched; default deny"}, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

func (e *CELEvaluator) evaluateExpr(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

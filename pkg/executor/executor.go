// Package executor defines the per-environment executor contract the
// pipeline delegates to for performing changes, capturing and restoring
// state, and probing health. Concrete cloud/container/host connectors
// live outside this module; only the four-method contract is fixed here.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsentry/opsentry/pkg/contracts"
)

// Executor performs environment-specific operations for one class of
// resources. Latency budgets (not hard contracts): reads <200ms, writes
// <2s, state capture <10s.
type Executor interface {
	// Execute performs the change described by the action.
	Execute(ctx context.Context, action contracts.Action) (*contracts.ExecutionResult, error)

	// CaptureState returns an opaque pre-change state blob for the
	// resource. The pipeline never interprets it.
	CaptureState(ctx context.Context, resourceID string) ([]byte, error)

	// RestoreState applies a previously captured blob back to the
	// resource, returning whether the restore took effect.
	RestoreState(ctx context.Context, resourceID string, state []byte) (bool, error)

	// CheckHealth probes the resource's current health.
	CheckHealth(ctx context.Context, resourceID string) (contracts.HealthStatus, error)
}

// Registry resolves the executor for a target environment. Registration
// happens at boot; resolution is read-mostly.
type Registry struct {
	mu        sync.RWMutex
	executors map[contracts.Environment]Executor
	fallback  Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[contracts.Environment]Executor)}
}

// Register installs an executor for an environment.
func (r *Registry) Register(env contracts.Environment, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[env] = ex
}

// SetFallback installs the executor used when no environment-specific
// one is registered.
func (r *Registry) SetFallback(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Resolve returns the executor for the environment.
func (r *Registry) Resolve(env contracts.Environment) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.executors[env]; ok {
		return ex, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor registered for environment %q", env)
}

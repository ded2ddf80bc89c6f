package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opsentry/opsentry/pkg/contracts"
)

// LocalExecutor is a development stand-in that keeps resource state in
// memory. It gives the pipeline a fully working executor for local runs
// and demos without touching real infrastructure.
type LocalExecutor struct {
	mu        sync.Mutex
	resources map[string]localResource
}

type localResource struct {
	Generation int            `json:"generation"`
	LastAction string         `json:"last_action"`
	Params     map[string]any `json:"params,omitempty"`
	Healthy    bool           `json:"healthy"`
}

// NewLocalExecutor creates an empty local executor.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{resources: make(map[string]localResource)}
}

// SetHealth overrides a resource's health, for demos and tests.
func (l *LocalExecutor) SetHealth(resourceID string, healthy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := l.resources[resourceID]
	res.Healthy = healthy
	l.resources[resourceID] = res
}

func (l *LocalExecutor) Execute(ctx context.Context, action contracts.Action) (*contracts.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	l.mu.Lock()
	res := l.resources[action.Resource]
	res.Generation++
	res.LastAction = string(action.Type)
	res.Params = action.Params
	res.Healthy = true
	l.resources[action.Resource] = res
	l.mu.Unlock()

	return &contracts.ExecutionResult{
		Success:    true,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Detail:     fmt.Sprintf("local %s on %s", action.Type, action.Resource),
		Output:     map[string]any{"generation": res.Generation},
	}, nil
}

func (l *LocalExecutor) CaptureState(ctx context.Context, resourceID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	res := l.resources[resourceID]
	l.mu.Unlock()
	return json.Marshal(res)
}

func (l *LocalExecutor) RestoreState(ctx context.Context, resourceID string, state []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var res localResource
	if err := json.Unmarshal(state, &res); err != nil {
		return false, fmt.Errorf("local restore: bad state blob: %w", err)
	}
	l.mu.Lock()
	l.resources[resourceID] = res
	l.mu.Unlock()
	return true, nil
}

func (l *LocalExecutor) CheckHealth(ctx context.Context, resourceID string) (contracts.HealthStatus, error) {
	if err := ctx.Err(); err != nil {
		return contracts.HealthUnknown, err
	}
	l.mu.Lock()
	res, ok := l.resources[resourceID]
	l.mu.Unlock()
	if !ok {
		return contracts.HealthUnknown, nil
	}
	if res.Healthy {
		return contracts.HealthHealthy, nil
	}
	return contracts.HealthUnhealthy, nil
}

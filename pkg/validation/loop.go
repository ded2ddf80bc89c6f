// Package validation confirms post-execution health. It polls the
// target resource at a fixed interval until health is confirmed, an
// explicit unhealthy signal arrives, or the window elapses. A window
// elapsing without confirmation is a failed validation, not an error:
// ambiguity defaults to caution.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/opsentry/opsentry/pkg/contracts"
	"github.com/opsentry/opsentry/pkg/executor"
)

// HardCeiling caps any caller-requested validation window.
const HardCeiling = 15 * time.Minute

// Loop polls executor health checks for the orchestrator.
type Loop struct {
	interval       time.Duration
	defaultTimeout time.Duration
	clock          func() time.Time
}

// Config tunes the loop.
type Config struct {
	// Interval between health probes. Default 10s.
	Interval time.Duration
	// DefaultTimeout applies when the caller passes no window. Default 300s.
	DefaultTimeout time.Duration
}

// NewLoop creates a Loop.
func NewLoop(cfg Config) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Loop{interval: interval, defaultTimeout: timeout, clock: time.Now}
}

// WithClock overrides the clock for deterministic timestamps in tests.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

// Validate polls the resource's health until confirmed, explicitly
// unhealthy, or the window elapses. A single probe error or an unknown
// status is absorbed and polling continues; only an explicit unhealthy
// signal fails early. timeout <= 0 uses the default; anything above the
// hard ceiling is clamped.
func (l *Loop) Validate(ctx context.Context, record *contracts.ActionRecord, timeout time.Duration, ex executor.Executor) contracts.ValidationOutcome {
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	if timeout > HardCeiling {
		timeout = HardCeiling
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	checks := 0
	// Probe immediately, then on each tick.
	for {
		checks++
		status, err := ex.CheckHealth(pollCtx, record.Action.Resource)
		switch {
		case err == nil && status == contracts.HealthHealthy:
			return contracts.ValidationOutcome{
				Healthy:   true,
				CheckedAt: l.clock(),
				Detail:    "health confirmed",
				Checks:    checks,
			}
		case err == nil && status == contracts.HealthUnhealthy:
			return contracts.ValidationOutcome{
				Healthy:   false,
				CheckedAt: l.clock(),
				Detail:    "resource reported unhealthy",
				Checks:    checks,
			}
		}
		// Unknown status or a transient probe failure: keep polling.

		select {
		case <-pollCtx.Done():
			detail := fmt.Sprintf("no health confirmation within %s", timeout)
			if ctx.Err() != nil {
				detail = "validation cancelled"
			}
			return contracts.ValidationOutcome{
				Healthy:   false,
				CheckedAt: l.clock(),
				Detail:    detail,
				Checks:    checks,
			}
		case <-ticker.C:
		}
	}
}

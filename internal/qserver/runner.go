package qserver

import (
	"context"
	"fmt"
	"time"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

// RunnerOptions configure plan execution.
type RunnerOptions struct {
	// IdleTimeout is the per-attempt idle wait.
	IdleTimeout time.Duration

	// Backoff bounds repeated idle waits.
	Backoff BackoffPolicy
}

// OptionsFromConfig maps the queue-server config section onto RunnerOptions.
func OptionsFromConfig(cfg config.QueueServerConfig) RunnerOptions {
	return RunnerOptions{
		IdleTimeout: cfg.IdleTimeout,
		Backoff: BackoffPolicy{
			Initial:     cfg.BackoffInitial,
			Max:         cfg.BackoffMax,
			MaxAttempts: cfg.IdleMaxAttempts,
		},
	}
}

// Runner executes plans one at a time: submit, wait for idle, check result.
type Runner struct {
	*Client
	opts RunnerOptions
}

// NewRunner wraps client with execution settings.
func NewRunner(client *Client, opts RunnerOptions) *Runner {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	return &Runner{Client: client, opts: opts}
}

// Run submits plan, waits for the manager to return to idle and checks
// that the plan completed. desc names the plan in logs and errors.
func (r *Runner) Run(ctx context.Context, plan Plan, desc string) (*HistoryItem, error) {
	uid, err := r.ExecuteItem(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc, err)
	}

	if err := r.WaitIdle(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", desc, err)
	}

	item, err := r.CheckPlanResult(ctx, uid, desc)
	if err != nil {
		return nil, err
	}

	r.logger.Info("plan completed", "plan", plan.Name, "description", desc, "item_uid", uid)
	return item, nil
}

// WaitIdle waits for idle with the configured retry policy.
func (r *Runner) WaitIdle(ctx context.Context) error {
	return r.WaitForIdleRetry(ctx, r.opts.IdleTimeout, r.opts.Backoff)
}

// EnsureEnvironment opens the worker environment if needed, waiting up to
// the per-attempt idle timeout.
func (r *Runner) EnsureEnvironment(ctx context.Context) error {
	return r.Client.EnsureEnvironment(ctx, r.opts.IdleTimeout)
}

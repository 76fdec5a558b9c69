package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/bridgeops/deployments-orchestrator/config"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
	"github.com/bridgeops/deployments-orchestrator/progress"
)

const (
	// defaultMaxAttempts bounds action executions per target.
	defaultMaxAttempts = 3

	// defaultBackoff is the fixed delay between attempts. The dominant
	// failure mode is transient network/API unavailability, not overload,
	// so no exponential growth is used.
	defaultBackoff = 2 * time.Second

	// persistAttempts bounds retries of a progress-store write. Losing a
	// real-world outcome to a contended write is strictly worse than a slow
	// write, so persistence retries harder than execution.
	persistAttempts = 5

	// persistBackoff is the fixed delay between persistence retries.
	persistBackoff = 500 * time.Millisecond
)

// Runner executes the caller-supplied action against one target, driving
// the per-target state machine pending -> in_progress -> {success, failed}
// with bounded retries and durable status writes.
type Runner struct {
	store         *progress.Store
	lggr          logger.Logger
	maxAttempts   uint
	backoff       time.Duration
	targetTimeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxAttempts overrides the per-target attempt bound.
func WithMaxAttempts(n uint) RunnerOption {
	return func(r *Runner) { r.maxAttempts = n }
}

// WithBackoff overrides the fixed delay between attempts.
func WithBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) { r.backoff = d }
}

// WithTargetTimeout bounds a single action invocation. Zero disables the
// deadline.
func WithTargetTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.targetTimeout = d }
}

// NewRunner creates a runner persisting through the given store.
func NewRunner(store *progress.Store, lggr logger.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:       store,
		lggr:        lggr.Named("runner"),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes the action against one target. Targets already recorded as
// successful are skipped. The returned error reflects the target's final
// outcome; target-level failures are also durably recorded, so callers may
// aggregate rather than abort on them.
func (r *Runner) Run(ctx context.Context, target config.Network, action Action, rc RunContext) error {
	lggr := r.lggr.With("target", target.Name)
	rc.Logger = lggr

	if ns, err := r.store.Get(ctx, target.Name); err == nil && ns.Status == progress.StatusSuccess {
		lggr.Infow("Target already succeeded, skipping")
		return nil
	}

	var lastRes ExecResult

	err := retry.Do(
		func() error {
			// in_progress is written before any side effect so a crash
			// mid-action is visibly in_progress rather than falsely
			// pending. A persistence failure aborts the attempt: executing
			// without the durable marker would make a crash unobservable.
			if perr := r.persist(ctx, func() error {
				return r.store.Set(ctx, target.Name, progress.StatusInProgress, "")
			}); perr != nil {
				return fmt.Errorf("failed to mark target in progress: %w", perr)
			}

			res, aerr := r.executeOnce(ctx, target, action, rc)
			lastRes = res

			if aerr != nil {
				return aerr
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("failed with exit code %d", res.ExitCode)
			}

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.maxAttempts),
		retry.Delay(r.backoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			lggr.Warnw("Attempt failed, retrying", "attempt", attempt+1, "error", err)
		}),
	)

	if err != nil {
		if ctx.Err() != nil {
			// The run was cancelled. The target keeps whatever status it
			// last durably reached so a rerun resumes from it.
			lggr.Warnw("Run cancelled, leaving target at last durable status")
			return fmt.Errorf("target %s: %w", target.Name, ctx.Err())
		}

		diag := classifyFailure(err, lastRes)
		lggr.Errorw("Target failed", "error", diag)

		if perr := r.persist(ctx, func() error {
			return r.store.Finalize(ctx, target.Name, progress.StatusFailed, diag)
		}); perr != nil {
			r.warnPersistLost(lggr, target.Name, progress.StatusFailed, perr)
		}

		return fmt.Errorf("target %s: %s", target.Name, diag)
	}

	if perr := r.persist(ctx, func() error {
		return r.store.Finalize(ctx, target.Name, progress.StatusSuccess, "")
	}); perr != nil {
		// The action's real-world effect must never be treated as failed
		// because of bookkeeping: flag for manual reconciliation instead.
		r.warnPersistLost(lggr, target.Name, progress.StatusSuccess, perr)
		return nil
	}

	lggr.Infow("Target succeeded")

	return nil
}

// executeOnce invokes the action a single time under the per-target
// deadline.
func (r *Runner) executeOnce(ctx context.Context, target config.Network, action Action, rc RunContext) (ExecResult, error) {
	execCtx := ctx
	if r.targetTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.targetTimeout)
		defer cancel()
	}

	res, err := action.Execute(execCtx, target, rc)

	if execCtx.Err() != nil && ctx.Err() == nil {
		// The per-target deadline expired. Not worth retrying: a wedged
		// action will wedge again and burn the remaining attempts' time.
		return res, retry.Unrecoverable(NewExecError(ErrorKindTimeout, "timeout after %s", r.targetTimeout))
	}

	var execErr *ExecError
	if errors.As(err, &execErr) && execErr.Kind == ErrorKindConfig {
		// Configuration errors are fatal by taxonomy, never retried.
		return res, retry.Unrecoverable(err)
	}

	return res, err
}

// persist retries a store write aggressively so a contended lock never
// drops a real-world outcome.
func (r *Runner) persist(ctx context.Context, write func() error) error {
	return retry.Do(
		write,
		retry.Context(ctx),
		retry.Attempts(persistAttempts),
		retry.Delay(persistBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (r *Runner) warnPersistLost(lggr logger.Logger, target string, status progress.Status, err error) {
	lggr.Errorw("PERSISTENCE FAILURE: target outcome could not be recorded; "+
		"the progress record may be inconsistent and needs manual reconciliation",
		"target", target, "unrecordedStatus", status, "error", err,
	)
}

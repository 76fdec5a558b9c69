package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bridgeops/deployments-orchestrator/config"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
	"github.com/bridgeops/deployments-orchestrator/progress"
)

const (
	// settlePollInterval is how often the coordinator re-reads the progress
	// record while waiting for lingering in_progress entries to settle.
	settlePollInterval = 2 * time.Second

	// defaultSettleTimeout bounds the settle wait after all workers
	// returned.
	defaultSettleTimeout = 60 * time.Second
)

// Coordinator fans one action out across the targets of a single execution
// group. Parallelism is bounded, a target failure never aborts the group,
// and all workers are joined before the group is considered finished.
type Coordinator struct {
	runner     *Runner
	store      *progress.Store
	supervisor *Supervisor
	lggr       logger.Logger

	// maxConcurrency bounds simultaneous target executions. Zero means
	// unbounded.
	maxConcurrency int

	settleTimeout time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMaxConcurrency bounds simultaneous target executions. Zero disables
// the bound.
func WithMaxConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxConcurrency = n }
}

// WithSettleTimeout overrides how long the coordinator waits for the
// progress record to settle after all workers returned.
func WithSettleTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.settleTimeout = d }
}

// NewCoordinator creates a coordinator dispatching through the given runner.
func NewCoordinator(
	runner *Runner,
	store *progress.Store,
	supervisor *Supervisor,
	lggr logger.Logger,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		runner:        runner,
		store:         store,
		supervisor:    supervisor,
		lggr:          lggr.Named("coordinator"),
		settleTimeout: defaultSettleTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RunGroup executes the action against every target in the group and joins
// errors from all of them. Sequential mode runs targets in list order; the
// parallel mode preserves per-target error order by index so output is
// deterministic regardless of scheduling.
func (c *Coordinator) RunGroup(
	ctx context.Context,
	group Group,
	targets []config.Network,
	action Action,
	rc RunContext,
	sequential bool,
) error {
	if len(targets) == 0 {
		return nil
	}

	lggr := c.lggr.With("group", group)
	lggr.Infow("Executing group", "targets", len(targets), "sequential", sequential)

	var err error
	if sequential {
		err = c.runSequential(ctx, targets, action, rc)
	} else {
		err = c.runParallel(ctx, targets, action, rc)
	}

	if serr := c.waitSettled(ctx); serr != nil {
		lggr.Warnw("Progress record did not settle after group execution", "error", serr)
		err = errors.Join(err, serr)
	}

	return err
}

func (c *Coordinator) runSequential(
	ctx context.Context,
	targets []config.Network,
	action Action,
	rc RunContext,
) error {
	var errs []error
	for _, target := range targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		errs = append(errs, c.runOne(ctx, target, action, rc))
	}

	return errors.Join(errs...)
}

func (c *Coordinator) runParallel(
	ctx context.Context,
	targets []config.Network,
	action Action,
	rc RunContext,
) error {
	var sem chan struct{}
	if c.maxConcurrency > 0 {
		sem = make(chan struct{}, c.maxConcurrency)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))

	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
			}

			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return
			}

			errs[i] = c.runOne(ctx, target, action, rc)
		}()
	}

	// Join every worker even under cancellation: workers finalize their own
	// progress entries and must not be abandoned mid-write.
	wg.Wait()

	return errors.Join(errs...)
}

// runOne registers the execution with the supervisor, wires subprocess
// reporting into the run context, and dispatches to the runner.
func (c *Coordinator) runOne(ctx context.Context, target config.Network, action Action, rc RunContext) error {
	taskID, deregister := c.supervisor.Register(target.Name)
	defer deregister()

	rc.RegisterProcess = func(pid int) {
		c.supervisor.RegisterPID(taskID, pid)
	}

	return c.runner.Run(ctx, target, action, rc)
}

// waitSettled polls the progress record until no target is left
// in_progress. All workers have returned by the time this runs, so a
// lingering in_progress entry means a persistence write was lost and the
// record needs manual attention.
func (c *Coordinator) waitSettled(ctx context.Context) error {
	deadline := time.Now().Add(c.settleTimeout)

	for {
		summary, err := c.store.Summary(ctx)
		if err != nil {
			return err
		}

		if len(summary.InProgress) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return errors.New("targets still in progress after settle timeout: " +
				strings.Join(summary.InProgress, ", "))
		}

		select {
		case <-time.After(settlePollInterval):
		case <-ctx.Done():
			// Cancelled runs may legitimately leave in_progress entries; the
			// next run resets them on resume.
			return nil
		}
	}
}

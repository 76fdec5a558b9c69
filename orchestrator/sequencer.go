package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/ksuid"

	"github.com/bridgeops/deployments-orchestrator/config"
	"github.com/bridgeops/deployments-orchestrator/lockfile"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
	"github.com/bridgeops/deployments-orchestrator/progress"
)

// Process exit codes. Interrupts use 130 following the shell convention for
// termination by SIGINT.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// toolchainLockKey serializes toolchain configuration mutation across
// processes sharing a state directory. Held for the whole apply-run-restore
// span of a non-default group.
const toolchainLockKey = "toolchain"

// RunOptions identifies and scopes one orchestrator run.
type RunOptions struct {
	// Contract and Environment identify the run; together with the action
	// kind they form the progress-record identity.
	Contract    string
	Environment string

	// Targets is the resolved set of networks to execute against.
	Targets []config.Network

	// Sequential forces one-at-a-time execution in every group, not just
	// the groups that require it.
	Sequential bool
}

// Sequencer drives a complete run: it partitions targets into groups,
// initializes the resumable progress record, and executes the groups in
// their fixed order with toolchain switches bracketed by a cross-process
// lock.
type Sequencer struct {
	store       *progress.Store
	locks       *lockfile.Manager
	switcher    *Switcher
	coordinator *Coordinator
	supervisor  *Supervisor
	lggr        logger.Logger
}

// NewSequencer assembles a sequencer from its collaborators.
func NewSequencer(
	store *progress.Store,
	locks *lockfile.Manager,
	switcher *Switcher,
	coordinator *Coordinator,
	supervisor *Supervisor,
	lggr logger.Logger,
) *Sequencer {
	return &Sequencer{
		store:       store,
		locks:       locks,
		switcher:    switcher,
		coordinator: coordinator,
		supervisor:  supervisor,
		lggr:        lggr.Named("sequencer"),
	}
}

// Run executes the action against every target and returns the process exit
// code. Configuration errors abort before any side effect; target failures
// are aggregated and reported at the end so one bad network never blocks the
// rest. Rerunning the same command resumes from the persisted record.
func (s *Sequencer) Run(ctx context.Context, action Action, opts RunOptions) (int, error) {
	groups, err := Partition(opts.Targets)
	if err != nil {
		return ExitFailure, err
	}

	names := make([]string, 0, len(opts.Targets))
	for _, t := range opts.Targets {
		names = append(names, t.Name)
	}

	identity := progress.Identity{
		Contract:    opts.Contract,
		Environment: opts.Environment,
		Action:      action.Kind(),
	}
	if err = s.store.Initialize(ctx, identity, names); err != nil {
		return ExitFailure, fmt.Errorf("failed to initialize progress record: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := s.supervisor.NotifyInterrupts(cancel)
	defer stop()

	runID := ksuid.New().String()
	lggr := s.lggr.With("runID", runID)
	lggr.Infow("Starting run",
		"contract", opts.Contract, "environment", opts.Environment,
		"action", action.Kind(), "targets", len(opts.Targets),
	)

	var groupErrs []error
	for _, group := range GroupOrder() {
		targets := groups[group]
		if len(targets) == 0 {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		if s.allSucceeded(ctx, targets) {
			lggr.Infow("All group targets already succeeded, skipping group", "group", group)
			continue
		}

		rc := RunContext{
			RunID:       runID,
			Contract:    opts.Contract,
			Environment: opts.Environment,
			Profile:     group.Profile(),
		}
		sequential := opts.Sequential || group.Sequential()

		if gerr := s.runGroup(ctx, group, targets, action, rc, sequential); gerr != nil {
			// The group's failures are already persisted per target; record
			// them for the final verdict and move on to the next group.
			lggr.Errorw("Group finished with errors", "group", group, "error", gerr)
			groupErrs = append(groupErrs, fmt.Errorf("group %s: %w", group, gerr))
		}
	}

	return s.finish(ctx, lggr, groupErrs)
}

// runGroup executes one group, bracketing toolchain mutation with the
// cross-process lock for every group that does not run on the default
// profile.
func (s *Sequencer) runGroup(
	ctx context.Context,
	group Group,
	targets []config.Network,
	action Action,
	rc RunContext,
	sequential bool,
) error {
	if group == GroupDefault {
		return s.coordinator.RunGroup(ctx, group, targets, action, rc, sequential)
	}

	return s.locks.WithLock(ctx, toolchainLockKey, func() error {
		if err := s.switcher.Apply(group); err != nil {
			return fmt.Errorf("failed to switch toolchain profile: %w", err)
		}

		runErr := s.coordinator.RunGroup(ctx, group, targets, action, rc, sequential)

		// Restore runs on success and failure alike; a leftover mutated
		// config would poison every later run.
		if rerr := s.switcher.Restore(); rerr != nil {
			runErr = errors.Join(runErr, rerr)
		}

		return runErr
	})
}

func (s *Sequencer) allSucceeded(ctx context.Context, targets []config.Network) bool {
	for _, t := range targets {
		ns, err := s.store.Get(ctx, t.Name)
		if err != nil || ns.Status != progress.StatusSuccess {
			return false
		}
	}

	return true
}

// finish reports the final verdict, cleans up a fully successful record, and
// maps the outcome to a process exit code.
func (s *Sequencer) finish(ctx context.Context, lggr logger.Logger, groupErrs []error) (int, error) {
	summary, err := s.store.Summary(ctx)
	if err != nil {
		return ExitFailure, fmt.Errorf("failed to read final progress summary: %w", err)
	}

	lggr.Infow("Run finished",
		"total", summary.Total,
		"success", len(summary.Success),
		"failed", len(summary.Failed),
		"pending", len(summary.Pending),
		"inProgress", len(summary.InProgress),
	)

	if s.supervisor.Interrupted() {
		lggr.Warnw("Run interrupted; rerun the same command to resume from persisted state")
		return ExitInterrupted, errors.Join(groupErrs...)
	}

	if summary.AllSuccessful() {
		if _, err = s.store.CleanupIfComplete(ctx); err != nil {
			lggr.Warnw("Failed to clean up completed progress record", "error", err)
		}

		return ExitOK, nil
	}

	lggr.Warnw("Some targets did not succeed; rerun the same command to retry them, " +
		"the run resumes from persisted state")

	return ExitFailure, errors.Join(groupErrs...)
}

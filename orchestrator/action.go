// Package orchestrator implements the multi-network execution engine: it
// partitions targets into compatibility groups, runs the caller-supplied
// action against every target with bounded retries and durable progress
// tracking, and sequences groups so that toolchain configuration is never
// mutated concurrently.
package orchestrator

import (
	"context"

	"github.com/bridgeops/deployments-orchestrator/config"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
	"github.com/bridgeops/deployments-orchestrator/progress"
)

// ExecResult captures the observable outcome of one action invocation. The
// orchestrator treats the action as opaque and only inspects the exit code
// and the captured log text for error classification.
type ExecResult struct {
	// ExitCode is the action's exit status. Zero means success.
	ExitCode int

	// Log is the text output captured from the invocation.
	Log string
}

// RunContext carries the per-run dependencies handed to every action
// invocation.
type RunContext struct {
	// RunID is the time-sortable identifier of this orchestrator run.
	RunID string

	// Contract and Environment identify the run.
	Contract    string
	Environment string

	// Profile is the build profile active for the target's execution group,
	// passed by value so actions never need to read shared mutable
	// toolchain state.
	Profile BuildProfile

	// Logger is scoped to the target being executed.
	Logger logger.Logger

	// RegisterProcess lets an action report the pid of a subprocess it
	// spawned so the supervisor can terminate it on interrupt. May be nil.
	RegisterProcess func(pid int)
}

// Action is the caller-supplied unit of work executed once per target.
//
// Execute should return a structured *ExecError for failures it can
// classify; otherwise the orchestrator falls back to scanning the captured
// log for known signatures. A non-zero ExitCode with a nil error is also
// treated as a failure.
type Action interface {
	// Kind declares the kind of side effect the action performs. It
	// participates in progress-record identity so unrelated runs never
	// collide.
	Kind() progress.ActionKind

	// Execute runs the action against one target.
	Execute(ctx context.Context, target config.Network, rc RunContext) (ExecResult, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc struct {
	kind progress.ActionKind
	fn   func(ctx context.Context, target config.Network, rc RunContext) (ExecResult, error)
}

// NewAction creates an Action of the given kind from a function.
func NewAction(
	kind progress.ActionKind,
	fn func(ctx context.Context, target config.Network, rc RunContext) (ExecResult, error),
) *ActionFunc {
	return &ActionFunc{kind: kind, fn: fn}
}

// Kind returns the declared action kind.
func (a *ActionFunc) Kind() progress.ActionKind { return a.kind }

// Execute invokes the wrapped function.
func (a *ActionFunc) Execute(ctx context.Context, target config.Network, rc RunContext) (ExecResult, error) {
	return a.fn(ctx, target, rc)
}

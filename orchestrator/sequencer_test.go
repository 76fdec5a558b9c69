package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bridgeops/deployments-orchestrator/config"
	"github.com/bridgeops/deployments-orchestrator/lockfile"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
	"github.com/bridgeops/deployments-orchestrator/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var scenarioNetworks = []config.Network{
	{Name: "alpha", Type: config.NetworkTypeTestnet, ChainID: 1001, CompatClass: config.CompatClassCancun},
	{Name: "beta", Type: config.NetworkTypeTestnet, ChainID: 1002, CompatClass: config.CompatClassCancun},
	{Name: "gamma", Type: config.NetworkTypeTestnet, ChainID: 1003, CompatClass: config.CompatClassLondon},
	{Name: "delta", Type: config.NetworkTypeTestnet, ChainID: 1004, CompatClass: config.CompatClassZKVM},
}

// testHarness wires a full sequencer stack against temp directories.
type testHarness struct {
	sequencer     *Sequencer
	store         *progress.Store
	stateDir      string
	toolchainPath string
}

func newTestHarness(t *testing.T, opts ...CoordinatorOption) *testHarness {
	t.Helper()

	lggr := logger.Test(t)
	stateDir := t.TempDir()
	toolchainPath := filepath.Join(t.TempDir(), "foundry.toml")
	require.NoError(t, os.WriteFile(toolchainPath, []byte(toolchainFixture), 0o644))

	locks := lockfile.NewManager(stateDir, lggr,
		lockfile.WithTimeout(10*time.Second),
		lockfile.WithRetryInterval(5*time.Millisecond),
	)
	store := progress.NewStore(stateDir, locks, lggr)
	supervisor := NewSupervisor(stateDir, lggr)
	runner := NewRunner(store, lggr, WithBackoff(time.Millisecond))
	coordinator := NewCoordinator(runner, store, supervisor, lggr,
		append([]CoordinatorOption{WithSettleTimeout(2 * time.Second)}, opts...)...)
	switcher := NewSwitcher(toolchainPath, lggr)

	return &testHarness{
		sequencer:     NewSequencer(store, locks, switcher, coordinator, supervisor, lggr),
		store:         store,
		stateDir:      stateDir,
		toolchainPath: toolchainPath,
	}
}

// recordingAction captures per-target invocations and the profile each one
// observed.
type recordingAction struct {
	mu       sync.Mutex
	profiles map[string]BuildProfile
	order    []string
	fail     map[string]int
}

func newRecordingAction() *recordingAction {
	return &recordingAction{
		profiles: make(map[string]BuildProfile),
		fail:     make(map[string]int),
	}
}

func (a *recordingAction) Kind() progress.ActionKind { return progress.ActionDeploy }

func (a *recordingAction) Execute(_ context.Context, target config.Network, rc RunContext) (ExecResult, error) {
	a.mu.Lock()
	a.profiles[target.Name] = rc.Profile
	a.order = append(a.order, target.Name)
	remaining := a.fail[target.Name]
	if remaining > 0 {
		a.fail[target.Name] = remaining - 1
	}
	a.mu.Unlock()

	if remaining > 0 {
		return ExecResult{ExitCode: 1, Log: "error: connection reset by peer"}, nil
	}

	return ExecResult{}, nil
}

func (a *recordingAction) invocations(target string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, name := range a.order {
		if name == target {
			n++
		}
	}

	return n
}

func Test_Sequencer_Run(t *testing.T) {
	t.Parallel()

	t.Run("full run across all groups succeeds and cleans up", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		action := newRecordingAction()

		code, err := h.sequencer.Run(t.Context(), action, RunOptions{
			Contract:    "TokenBridge",
			Environment: "staging",
			Targets:     scenarioNetworks,
		})
		require.NoError(t, err)
		assert.Equal(t, ExitOK, code)

		// Every target ran exactly once with its group's profile.
		for _, n := range scenarioNetworks {
			assert.Equal(t, 1, action.invocations(n.Name), n.Name)
		}
		assert.Equal(t, "cancun", action.profiles["alpha"].EVMVersion)
		assert.Equal(t, "london", action.profiles["gamma"].EVMVersion)
		assert.True(t, action.profiles["delta"].ZKToolchain)

		// Groups ran in their fixed order.
		last := action.order[len(action.order)-1]
		assert.Equal(t, "delta", last)
		assert.Equal(t, "gamma", action.order[len(action.order)-2])

		// The completed record was cleaned up and the toolchain restored.
		_, err = os.Stat(h.store.Path())
		require.ErrorIs(t, err, os.ErrNotExist)

		raw, err := os.ReadFile(h.toolchainPath)
		require.NoError(t, err)
		assert.Equal(t, toolchainFixture, string(raw))
	})

	t.Run("target failure does not block other groups and is resumable", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		action := newRecordingAction()
		action.fail["beta"] = 10 // more than the attempt bound

		code, err := h.sequencer.Run(t.Context(), action, RunOptions{
			Contract:    "TokenBridge",
			Environment: "staging",
			Targets:     scenarioNetworks,
		})
		require.Error(t, err)
		assert.Equal(t, ExitFailure, code)

		// The failure in the default group did not stop legacy or zkvm.
		assert.Equal(t, 1, action.invocations("gamma"))
		assert.Equal(t, 1, action.invocations("delta"))

		summary, err := h.store.Summary(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"beta"}, summary.Failed)
		assert.Len(t, summary.Success, 3)

		// A rerun retries only the failed target and converges.
		action.fail["beta"] = 0
		code, err = h.sequencer.Run(t.Context(), action, RunOptions{
			Contract:    "TokenBridge",
			Environment: "staging",
			Targets:     scenarioNetworks,
		})
		require.NoError(t, err)
		assert.Equal(t, ExitOK, code)

		assert.Equal(t, 1, action.invocations("alpha"))
		assert.Equal(t, 1, action.invocations("gamma"))

		_, err = os.Stat(h.store.Path())
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unclassifiable target aborts before any side effect", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		action := newRecordingAction()

		code, err := h.sequencer.Run(t.Context(), action, RunOptions{
			Contract:    "TokenBridge",
			Environment: "staging",
			Targets: []config.Network{
				{Name: "alpha", CompatClass: config.CompatClassCancun},
				{Name: "weird", CompatClass: "shanghai"},
			},
		})
		require.ErrorIs(t, err, ErrUnknownCompatClass)
		assert.Equal(t, ExitFailure, code)
		assert.Empty(t, action.order)

		_, err = os.Stat(h.store.Path())
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	// Not parallel: the signal below is delivered to every registered handler
	// in the process, so no sibling run may be in flight when it fires.
	t.Run("interrupt cancels the run and preserves durable state", func(t *testing.T) {
		h := newTestHarness(t)

		action := NewAction(progress.ActionDeploy, func(ctx context.Context, _ config.Network, _ RunContext) (ExecResult, error) {
			require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
			<-ctx.Done()
			return ExecResult{}, ctx.Err()
		})

		code, err := h.sequencer.Run(t.Context(), action, RunOptions{
			Contract:    "TokenBridge",
			Environment: "staging",
			Targets:     scenarioNetworks[:1],
		})
		require.Error(t, err)
		assert.Equal(t, ExitInterrupted, code)

		// The in-flight target keeps the status it last durably reached so a
		// rerun resumes it instead of misreading it as failed.
		ns, gerr := h.store.Get(t.Context(), "alpha")
		require.NoError(t, gerr)
		assert.Equal(t, progress.StatusInProgress, ns.Status)
		assert.Equal(t, 1, ns.Attempts)

		_, serr := os.Stat(h.store.Path())
		require.NoError(t, serr)
	})

	t.Run("identity change discards previous progress", func(t *testing.T) {
		t.Parallel()

		h := newTestHarness(t)
		action := newRecordingAction()
		action.fail["alpha"] = 10

		code, _ := h.sequencer.Run(t.Context(), action, RunOptions{
			Contract:    "TokenBridge",
			Environment: "staging",
			Targets:     scenarioNetworks[:2],
		})
		assert.Equal(t, ExitFailure, code)

		// A different contract starts from scratch; the old record must not
		// leak its failure into the new run.
		action.fail["alpha"] = 0
		code, err := h.sequencer.Run(t.Context(), action, RunOptions{
			Contract:    "Escrow",
			Environment: "staging",
			Targets:     scenarioNetworks[:2],
		})
		require.NoError(t, err)
		assert.Equal(t, ExitOK, code)
	})
}

func Test_Coordinator_RunGroup(t *testing.T) {
	t.Parallel()

	t.Run("bounded parallelism never exceeds the limit", func(t *testing.T) {
		t.Parallel()

		lggr := logger.Test(t)
		stateDir := t.TempDir()
		locks := lockfile.NewManager(stateDir, lggr,
			lockfile.WithTimeout(10*time.Second),
			lockfile.WithRetryInterval(5*time.Millisecond),
		)
		store := progress.NewStore(stateDir, locks, lggr)

		targets := make([]config.Network, 8)
		names := make([]string, 8)
		for i := range targets {
			names[i] = string(rune('a' + i))
			targets[i] = config.Network{Name: names[i], CompatClass: config.CompatClassCancun}
		}
		require.NoError(t, store.Initialize(t.Context(), progress.Identity{
			Contract:    "TokenBridge",
			Environment: "staging",
			Action:      progress.ActionDeploy,
		}, names))

		var active, maxSeen atomic.Int32
		action := NewAction(progress.ActionDeploy, func(context.Context, config.Network, RunContext) (ExecResult, error) {
			n := active.Add(1)
			for {
				seen := maxSeen.Load()
				if n <= seen || maxSeen.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return ExecResult{}, nil
		})

		supervisor := NewSupervisor(stateDir, lggr)
		runner := NewRunner(store, lggr, WithBackoff(time.Millisecond))
		coordinator := NewCoordinator(runner, store, supervisor, lggr,
			WithMaxConcurrency(2), WithSettleTimeout(2*time.Second))

		err := coordinator.RunGroup(t.Context(), GroupDefault, targets, action, RunContext{}, false)
		require.NoError(t, err)
		assert.LessOrEqual(t, maxSeen.Load(), int32(2))

		summary, err := store.Summary(t.Context())
		require.NoError(t, err)
		assert.True(t, summary.AllSuccessful())
	})

	t.Run("sequential mode preserves list order", func(t *testing.T) {
		t.Parallel()

		lggr := logger.Test(t)
		stateDir := t.TempDir()
		locks := lockfile.NewManager(stateDir, lggr,
			lockfile.WithTimeout(10*time.Second),
			lockfile.WithRetryInterval(5*time.Millisecond),
		)
		store := progress.NewStore(stateDir, locks, lggr)
		require.NoError(t, store.Initialize(t.Context(), progress.Identity{
			Contract:    "TokenBridge",
			Environment: "staging",
			Action:      progress.ActionDeploy,
		}, []string{"one", "two", "three"}))

		action := newRecordingAction()
		supervisor := NewSupervisor(stateDir, lggr)
		runner := NewRunner(store, lggr, WithBackoff(time.Millisecond))
		coordinator := NewCoordinator(runner, store, supervisor, lggr, WithSettleTimeout(2*time.Second))

		targets := []config.Network{
			{Name: "one", CompatClass: config.CompatClassZKVM},
			{Name: "two", CompatClass: config.CompatClassZKVM},
			{Name: "three", CompatClass: config.CompatClassZKVM},
		}
		require.NoError(t, coordinator.RunGroup(t.Context(), GroupZKVM, targets, action, RunContext{}, true))

		assert.Equal(t, []string{"one", "two", "three"}, action.order)
	})
}

package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/bridgeops/deployments-orchestrator/internal/fileutils"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

const (
	// tasksFileName is the scratch file mirroring the live task registry. It
	// exists for post-mortem inspection after a crash; the in-memory map is
	// authoritative.
	tasksFileName = "tasks.json"

	// killGrace is how long terminated subprocesses get to exit cleanly
	// before escalation to SIGKILL.
	killGrace = 5 * time.Second
)

// Task is one tracked in-flight target execution. PID is zero until the
// action reports a spawned subprocess.
type Task struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Supervisor tracks in-flight target executions and the subprocesses they
// spawn, so that an interrupt can terminate all of them instead of leaving
// orphans running against live networks.
type Supervisor struct {
	lggr        logger.Logger
	scratchPath string

	mu    sync.Mutex
	tasks map[string]Task

	interrupted atomic.Bool
}

// NewSupervisor creates a supervisor persisting its registry scratch file
// under stateDir.
func NewSupervisor(stateDir string, lggr logger.Logger) *Supervisor {
	return &Supervisor{
		lggr:        lggr.Named("supervisor"),
		scratchPath: filepath.Join(stateDir, tasksFileName),
		tasks:       make(map[string]Task),
	}
}

// Register records a new in-flight execution for the target and returns its
// task ID together with a deregistration function. Callers must invoke the
// returned function when the execution finishes, success or not.
func (s *Supervisor) Register(target string) (string, func()) {
	id := ksuid.New().String()

	s.mu.Lock()
	s.tasks[id] = Task{ID: id, Target: target, StartedAt: time.Now()}
	s.flushLocked()
	s.mu.Unlock()

	return id, func() { s.deregister(id) }
}

// RegisterPID attaches a spawned subprocess to a task so KillAll can signal
// it. Unknown task IDs are ignored; the task may have finished already.
func (s *Supervisor) RegisterPID(taskID string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return
	}

	t.PID = pid
	s.tasks[taskID] = t
	s.flushLocked()
}

func (s *Supervisor) deregister(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.flushLocked()
	s.mu.Unlock()
}

// Interrupted reports whether an interrupt signal was received.
func (s *Supervisor) Interrupted() bool {
	return s.interrupted.Load()
}

// KillAll terminates every tracked subprocess plus, defensively, any live
// direct child an action spawned without reporting it: SIGTERM first, then
// SIGKILL after a grace period. Signalling errors are ignored; the process
// may already be gone.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	seen := make(map[int]bool, len(s.tasks))
	pids := make([]int, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.PID > 0 && !seen[t.PID] {
			seen[t.PID] = true
			pids = append(pids, t.PID)
		}
	}
	s.mu.Unlock()

	for _, pid := range liveChildren() {
		if !seen[pid] {
			seen[pid] = true
			pids = append(pids, pid)
		}
	}

	if len(pids) == 0 {
		return
	}

	s.lggr.Warnw("Terminating tracked subprocesses", "count", len(pids))

	for _, pid := range pids {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Signal(syscall.SIGTERM)
		}
	}

	time.Sleep(killGrace)

	for _, pid := range pids {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Kill()
		}
	}
}

// NotifyInterrupts wires SIGINT and SIGTERM to the given cancel function.
// The first signal cancels the run context and terminates tracked
// subprocesses; the run then unwinds through the normal paths so progress
// stays durable. The returned stop function releases the signal handler.
func (s *Supervisor) NotifyInterrupts(cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			s.interrupted.Store(true)
			s.lggr.Warnw("Interrupt received, cancelling run", "signal", sig.String())
			cancel()
			s.KillAll()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// flushLocked mirrors the registry to the scratch file. Must be called with
// s.mu held. Flush failures are logged, never fatal.
func (s *Supervisor) flushLocked() {
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}

	if err := fileutils.WriteJSONFile(s.scratchPath, tasks); err != nil {
		s.lggr.Warnw("Failed to flush task registry", "error", err)
	}
}

// Package lockfile provides the mutual-exclusion primitive guarding
// concurrent writers to the progress store.
//
// Two interchangeable strategies are available: an OS advisory file lock
// (flock), and a directory-creation mutex for filesystems where advisory
// locks are unavailable. Both record holder metadata (pid, hostname, run ID,
// heartbeat) so that a lock abandoned by a crashed holder can be detected
// and reclaimed instead of blocking forever.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/ksuid"

	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

// ErrLockTimeout is returned when the lock could not be acquired within the
// configured wall-clock timeout. It is a retryable condition: callers must
// retry the whole guarded read-modify-write rather than proceed unlocked.
var ErrLockTimeout = errors.New("timed out acquiring lock")

// Strategy selects the locking primitive.
type Strategy string

const (
	// StrategyFlock uses an OS advisory file lock.
	StrategyFlock Strategy = "flock"

	// StrategyDir uses atomic directory creation as the mutex. Slower but
	// works on filesystems without advisory lock support.
	StrategyDir Strategy = "dir"
)

const (
	// DefaultTimeout bounds the wall-clock wait for acquisition under
	// parallel load.
	DefaultTimeout = 120 * time.Second

	// DefaultRetryInterval is the fixed interval between acquisition
	// attempts.
	DefaultRetryInterval = 500 * time.Millisecond

	// DefaultStaleAfter is the heartbeat age beyond which a lock is presumed
	// abandoned by a crashed holder and is eligible for reclamation.
	DefaultStaleAfter = 5 * time.Minute

	heartbeatInterval = 15 * time.Second
)

// metadata identifies the current lock holder. It is persisted next to the
// lock so other processes can distinguish a busy holder from a dead one.
type metadata struct {
	PID         int       `json:"pid"`
	Hostname    string    `json:"hostname"`
	RunID       string    `json:"runId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// isStale reports whether the holder described by the metadata is presumed
// dead: either its heartbeat is older than staleAfter, or it ran on this
// host and its pid is no longer alive.
func (m metadata) isStale(staleAfter time.Duration) bool {
	if time.Since(m.HeartbeatAt) > staleAfter {
		return true
	}

	hostname, err := os.Hostname()
	if err == nil && m.Hostname == hostname && !processAlive(m.PID) {
		return true
	}

	return false
}

// Manager acquires and releases named locks under a single directory.
type Manager struct {
	dir           string
	lggr          logger.Logger
	runID         string
	strategy      Strategy
	timeout       time.Duration
	retryInterval time.Duration
	staleAfter    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithStrategy selects the locking strategy.
func WithStrategy(s Strategy) Option {
	return func(m *Manager) { m.strategy = s }
}

// WithTimeout overrides the acquisition wall-clock timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRetryInterval overrides the fixed interval between acquisition
// attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// WithStaleAfter overrides the heartbeat age threshold for stale-lock
// reclamation.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// NewManager creates a lock manager rooted at dir. The directory is created
// on first acquisition if it does not exist.
func NewManager(dir string, lggr logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		dir:           dir,
		lggr:          lggr.Named("lockfile"),
		runID:         ksuid.New().String(),
		strategy:      StrategyFlock,
		timeout:       DefaultTimeout,
		retryInterval: DefaultRetryInterval,
		staleAfter:    DefaultStaleAfter,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// RunID returns the identifier written into lock metadata held by this
// manager.
func (m *Manager) RunID() string { return m.runID }

// WithLock acquires the named lock, runs fn, and releases the lock on all
// exit paths including a panic inside fn.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	l, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.release(m.lggr)

	return fn()
}

// acquire retries on a fixed interval until the lock is held or the
// wall-clock timeout elapses.
func (m *Manager) acquire(ctx context.Context, key string) (*lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	attempts := uint(m.timeout/m.retryInterval) + 1

	l, err := retry.DoWithData(
		func() (*lock, error) {
			return m.tryAcquire(key)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(m.retryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w: %s after %s: %w", ErrLockTimeout, key, m.timeout, err)
	}

	return l, nil
}

var errLockHeld = errors.New("lock held by another process")

// tryAcquire makes a single non-blocking acquisition attempt, reclaiming the
// lock first if its holder is stale.
func (m *Manager) tryAcquire(key string) (*lock, error) {
	switch m.strategy {
	case StrategyDir:
		return m.tryAcquireDir(key)
	default:
		return m.tryAcquireFlock(key)
	}
}

func (m *Manager) tryAcquireFlock(key string) (*lock, error) {
	path := filepath.Join(m.dir, key+".lock")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	held, err := flockExclusiveNB(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if !held {
		m.reclaimIfStale(path, f)
		f.Close()

		return nil, fmt.Errorf("%w: %s", errLockHeld, key)
	}

	l := &lock{
		strategy: StrategyFlock,
		path:     path,
		file:     f,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := l.start(m.newMetadata(), m.lggr); err != nil {
		return nil, err
	}

	return l, nil
}

func (m *Manager) tryAcquireDir(key string) (*lock, error) {
	path := filepath.Join(m.dir, key+".lock.d")

	if err := os.Mkdir(path, 0o755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock dir: %w", err)
		}

		m.reclaimDirIfStale(path)

		return nil, fmt.Errorf("%w: %s", errLockHeld, key)
	}

	l := &lock{
		strategy: StrategyDir,
		path:     path,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := l.start(m.newMetadata(), m.lggr); err != nil {
		return nil, err
	}

	return l, nil
}

func (m *Manager) newMetadata() metadata {
	hostname, _ := os.Hostname()
	now := time.Now().UTC()

	return metadata{
		PID:         os.Getpid(),
		Hostname:    hostname,
		RunID:       m.runID,
		AcquiredAt:  now,
		HeartbeatAt: now,
	}
}

// reclaimIfStale removes a flock-strategy lock file whose recorded holder is
// presumed dead. A live holder's flock is not broken by the removal; the
// next attempt locks a fresh inode.
func (m *Manager) reclaimIfStale(path string, f *os.File) {
	md, err := readMetadataFile(path)
	if err != nil {
		return
	}

	if md.isStale(m.staleAfter) {
		m.lggr.Warnw("Reclaiming stale lock",
			"path", path, "holderPid", md.PID, "holderRunId", md.RunID,
			"lastHeartbeat", md.HeartbeatAt,
		)
		_ = os.Remove(path)
	}
}

func (m *Manager) reclaimDirIfStale(path string) {
	md, err := readMetadataFile(filepath.Join(path, "meta.json"))
	if err != nil {
		// No readable metadata: fall back to the directory's age.
		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) <= m.staleAfter {
			return
		}
	} else if !md.isStale(m.staleAfter) {
		return
	}

	m.lggr.Warnw("Reclaiming stale lock directory",
		"path", path, "holderPid", md.PID, "holderRunId", md.RunID,
	)
	_ = os.RemoveAll(path)
}

func readMetadataFile(path string) (metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return metadata{}, err
	}

	var md metadata
	if err = json.Unmarshal(b, &md); err != nil {
		return metadata{}, err
	}

	return md, nil
}

// lock is a held lock. It refreshes its heartbeat until released.
type lock struct {
	strategy  Strategy
	path      string
	file      *os.File
	stop      chan struct{}
	done      chan struct{}
	heartbeat bool
}

// start persists the initial metadata and launches the heartbeat loop. On
// failure the underlying primitive is released.
func (l *lock) start(md metadata, lggr logger.Logger) error {
	if err := l.writeMetadata(md); err != nil {
		l.release(lggr)
		return err
	}

	l.heartbeat = true
	go l.heartbeatLoop(md, lggr)

	return nil
}

func (l *lock) metadataPath() string {
	if l.strategy == StrategyDir {
		return filepath.Join(l.path, "meta.json")
	}

	return l.path
}

func (l *lock) writeMetadata(md metadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal lock metadata: %w", err)
	}

	if l.strategy == StrategyFlock {
		// We hold the flock, so truncate-and-write on the locked inode is
		// safe.
		if err = l.file.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate lock file: %w", err)
		}
		if _, err = l.file.WriteAt(b, 0); err != nil {
			return fmt.Errorf("failed to write lock metadata: %w", err)
		}

		return l.file.Sync()
	}

	return os.WriteFile(l.metadataPath(), b, 0o600)
}

func (l *lock) heartbeatLoop(md metadata, lggr logger.Logger) {
	defer close(l.done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			md.HeartbeatAt = time.Now().UTC()
			if err := l.writeMetadata(md); err != nil {
				lggr.Warnw("Failed to refresh lock heartbeat", "path", l.path, "error", err)
			}
		}
	}
}

func (l *lock) release(lggr logger.Logger) {
	if l.heartbeat {
		close(l.stop)
		<-l.done
	}

	if l.strategy == StrategyDir {
		if err := os.RemoveAll(l.path); err != nil {
			lggr.Warnw("Failed to remove lock directory", "path", l.path, "error", err)
		}

		return
	}

	// The lock file is left in place on purpose: unlinking it would let a
	// waiter holding the old inode and a newcomer opening a fresh one both
	// acquire "the" lock.
	if err := flockUnlock(l.file); err != nil {
		lggr.Warnw("Failed to unlock lock file", "path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		lggr.Warnw("Failed to close lock file", "path", l.path, "error", err)
	}
}

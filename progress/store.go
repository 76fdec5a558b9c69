package progress

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bridgeops/deployments-orchestrator/internal/fileutils"
	"github.com/bridgeops/deployments-orchestrator/lockfile"
	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

const (
	// recordFileName is the well-known file holding the progress record
	// inside the store directory.
	recordFileName = "progress.json"

	// lockKey names the lock guarding all writers of the record.
	lockKey = "progress"
)

var (
	// ErrInvalidTargetName is returned when a target name contains embedded
	// whitespace and therefore must never touch the record.
	ErrInvalidTargetName = errors.New("invalid target name")

	// ErrTargetNotTracked is returned when a target has no entry in the
	// record.
	ErrTargetNotTracked = errors.New("target not tracked in progress record")

	// ErrNotInitialized is returned when a mutation is attempted before
	// Initialize established the run identity.
	ErrNotInitialized = errors.New("progress store not initialized")

	// ErrInvalidTransition is returned when a write would move a target
	// backward in the state machine. Terminal statuses only move via the
	// retry-reset in Initialize or an explicit ForceReset.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the durable progress store. All mutations are read-modify-write
// cycles guarded by the lock manager and flushed with an atomic rename, so
// concurrent writers never tear the record. Reads observe the latest
// atomically-written snapshot and take no lock.
type Store struct {
	dir      string
	locks    *lockfile.Manager
	lggr     logger.Logger
	identity Identity
	targets  []string
}

// NewStore creates a store rooted at dir. Call Initialize before mutating.
func NewStore(dir string, locks *lockfile.Manager, lggr logger.Logger) *Store {
	return &Store{
		dir:   dir,
		locks: locks,
		lggr:  lggr.Named("progress"),
	}
}

// Path returns the location of the backing record file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, recordFileName)
}

// Initialize establishes the run identity and prepares the record for this
// run: a compatible existing record is merged (new targets pending, failed
// targets reset for retry, prior outcomes preserved); a record with a
// different identity is discarded and replaced; invalid target names are
// dropped with a warning.
func (s *Store) Initialize(ctx context.Context, id Identity, targets []string) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("invalid run identity: %w", err)
	}

	s.identity = id
	s.targets = make([]string, 0, len(targets))
	for _, t := range targets {
		if ValidTargetName(t) {
			s.targets = append(s.targets, t)
		}
	}

	return s.locks.WithLock(ctx, lockKey, func() error {
		rec := s.loadValidated()

		switch {
		case rec == nil:
			rec = NewRecord(id, targets, s.lggr)
			s.lggr.Infow("Created new progress record", "identity", id.String(), "targets", len(rec.Networks))
		case rec.Identity != id:
			s.lggr.Infow("Run identity changed, discarding stale progress record",
				"previous", rec.Identity.String(), "current", id.String())
			rec = NewRecord(id, targets, s.lggr)
		default:
			rec.Merge(targets, s.lggr)
			s.lggr.Infow("Resumed existing progress record",
				"identity", id.String(), "targets", len(rec.Networks))
		}

		return s.flush(rec)
	})
}

// Get returns the status of one target from the latest snapshot.
func (s *Store) Get(_ context.Context, target string) (NetworkStatus, error) {
	if !ValidTargetName(target) {
		return NetworkStatus{}, fmt.Errorf("%w: %q", ErrInvalidTargetName, target)
	}

	rec := s.loadValidated()
	if rec == nil {
		return NetworkStatus{}, fmt.Errorf("target %s: %w", target, ErrTargetNotTracked)
	}

	ns, ok := rec.Networks[target]
	if !ok {
		return NetworkStatus{}, fmt.Errorf("target %s: %w", target, ErrTargetNotTracked)
	}

	return ns, nil
}

// Set writes a target's status. Every Set counts as an execution attempt:
// attempts is incremented, lastAttempt and the record's lastUpdate are
// bumped. errMsg replaces the captured error; pass "" to clear it.
func (s *Store) Set(ctx context.Context, target string, status Status, errMsg string) error {
	return s.write(ctx, target, status, errMsg, true)
}

// Finalize writes a terminal status for an attempt already counted by a
// prior Set(in_progress): status and error are updated without incrementing
// attempts, so the attempts counter reflects execution attempts rather than
// bookkeeping writes.
func (s *Store) Finalize(ctx context.Context, target string, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	return s.write(ctx, target, status, errMsg, false)
}

func (s *Store) write(ctx context.Context, target string, status Status, errMsg string, countAttempt bool) error {
	if !ValidTargetName(target) {
		return fmt.Errorf("%w: %q", ErrInvalidTargetName, target)
	}
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	return s.locks.WithLock(ctx, lockKey, func() error {
		rec := s.loadValidated()
		if rec == nil {
			// The record vanished or is unsalvageable mid-run. Rebuild a
			// minimal valid record from the current run's targets so the
			// outcome being written is not lost.
			if err := s.identity.Validate(); err != nil {
				return ErrNotInitialized
			}

			s.lggr.Warnw("Progress record missing or corrupted, rebuilding",
				"identity", s.identity.String())
			rec = NewRecord(s.identity, s.targets, s.lggr)
		}

		now := time.Now().UTC()

		ns := rec.Networks[target]

		from := ns.Status
		if from == "" {
			from = StatusPending
		}
		if !from.canTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s for target %s", ErrInvalidTransition, from, status, target)
		}

		ns.Status = status
		if countAttempt {
			ns.Attempts++
			ns.LastAttempt = &now
		}
		ns.Error = errMsg

		rec.Networks[target] = ns
		rec.LastUpdate = now

		return s.flush(rec)
	})
}

// Summary buckets every tracked target by status.
func (s *Store) Summary(_ context.Context) (Summary, error) {
	rec := s.loadValidated()
	if rec == nil {
		return Summary{}, nil
	}

	return rec.Summarize(), nil
}

// CleanupIfComplete deletes the backing record iff every target succeeded;
// otherwise it is a no-op so the record remains available for resumption.
// It reports whether the record was removed.
func (s *Store) CleanupIfComplete(ctx context.Context) (bool, error) {
	removed := false

	err := s.locks.WithLock(ctx, lockKey, func() error {
		rec := s.loadValidated()
		if rec == nil || !rec.Complete() {
			return nil
		}

		if err := os.Remove(s.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove completed record: %w", err)
		}

		s.lggr.Infow("All targets succeeded, removed progress record", "identity", rec.Identity.String())
		removed = true

		return nil
	})

	return removed, err
}

// ForceReset is an administrative override that resets the named targets to
// pending with attempts zeroed and errors cleared, forcing their
// re-execution on the next run.
func (s *Store) ForceReset(ctx context.Context, targets []string) error {
	return s.locks.WithLock(ctx, lockKey, func() error {
		rec := s.loadValidated()
		if rec == nil {
			return ErrNotInitialized
		}

		for _, target := range targets {
			if !ValidTargetName(target) {
				s.lggr.Warnw("Skipping invalid target name in reset", "target", target)
				continue
			}
			if _, ok := rec.Networks[target]; !ok {
				s.lggr.Warnw("Skipping untracked target in reset", "target", target)
				continue
			}

			rec.Networks[target] = NetworkStatus{Status: StatusPending}
			s.lggr.Infow("Force-reset target", "target", target)
		}

		rec.LastUpdate = time.Now().UTC()

		return s.flush(rec)
	})
}

// loadValidated reads the backing record, returning nil when it is missing
// or unsalvageable. Salvageable corruption (invalid entries) is repaired in
// the returned copy; the repaired form is persisted by the next flush.
func (s *Store) loadValidated() *Record {
	rec, err := fileutils.ReadJSONFile[*Record](s.Path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.lggr.Warnw("Progress record unreadable, treating as absent", "path", s.Path(), "error", err)
		}

		return nil
	}

	if err := rec.Repair(s.lggr); err != nil {
		s.lggr.Warnw("Progress record unsalvageable, discarding", "path", s.Path(), "error", err)
		return nil
	}

	return rec
}

func (s *Store) flush(rec *Record) error {
	if err := fileutils.WriteJSONFile(s.Path(), rec); err != nil {
		return fmt.Errorf("failed to persist progress record: %w", err)
	}

	return nil
}

// Package progress implements the durable per-target run state: the sole
// source of truth for which targets have succeeded, failed or are still
// pending, and the merge/reset semantics that make reruns resumable.
package progress

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/bridgeops/deployments-orchestrator/pkg/logger"
)

// Status is the per-target state machine. Valid transitions are
// pending -> in_progress -> {success, failed}; failed -> pending occurs only
// via the retry-reset at the start of a new run (or an explicit force
// reset).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final state for an attempt.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// canTransitionTo reports whether a status write moving s to next is a legal
// forward move. Terminal statuses never move through a write; leaving them
// requires the retry-reset in Merge or an explicit ForceReset. Rewriting the
// same status is allowed so retry attempts can re-mark in_progress.
func (s Status) canTransitionTo(next Status) bool {
	if s == next {
		return true
	}

	switch s {
	case StatusPending:
		return true
	case StatusInProgress:
		return next.Terminal()
	default:
		return false
	}
}

// ActionKind identifies the kind of side effect an action performs. It
// participates in record identity so unrelated runs never collide on the
// same record.
type ActionKind string

const (
	ActionDeploy  ActionKind = "deploy"
	ActionVerify  ActionKind = "verify"
	ActionPropose ActionKind = "propose"
	ActionUpdate  ActionKind = "update"
	ActionGeneric ActionKind = "generic"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionDeploy, ActionVerify, ActionPropose, ActionUpdate, ActionGeneric:
		return true
	default:
		return false
	}
}

// Identity keys a progress record. Two runs share a record iff their
// identities are equal.
type Identity struct {
	Contract    string     `json:"contractId"`
	Environment string     `json:"environmentId"`
	Action      ActionKind `json:"actionType"`
}

// Validate ensures the identity is complete.
func (i Identity) Validate() error {
	if i.Contract == "" {
		return errors.New("contract id is required")
	}
	if i.Environment == "" {
		return errors.New("environment id is required")
	}
	if !i.Action.Valid() {
		return fmt.Errorf("unknown action kind %q", i.Action)
	}

	return nil
}

// String renders the identity for logs.
func (i Identity) String() string {
	return fmt.Sprintf("%s/%s/%s", i.Contract, i.Environment, i.Action)
}

// NetworkStatus is the persisted state of one target.
type NetworkStatus struct {
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ValidTargetName reports whether name is usable as a record key. A name
// containing embedded whitespace indicates a malformed composite string and
// is treated as data corruption everywhere.
func ValidTargetName(name string) bool {
	return name != "" && !strings.ContainsFunc(name, unicode.IsSpace)
}

// Record is the persisted run state for one (contract, environment, action)
// identity.
type Record struct {
	ID string `json:"id"`
	Identity
	StartTime  time.Time                `json:"startTime"`
	LastUpdate time.Time                `json:"lastUpdate"`
	Networks   map[string]NetworkStatus `json:"networks"`
}

// NewRecord creates a fresh record with every valid target pending. Invalid
// target names are dropped with a warning.
func NewRecord(id Identity, targets []string, lggr logger.Logger) *Record {
	now := time.Now().UTC()
	r := &Record{
		ID:         uuid.New().String(),
		Identity:   id,
		StartTime:  now,
		LastUpdate: now,
		Networks:   make(map[string]NetworkStatus, len(targets)),
	}

	for _, target := range targets {
		if !ValidTargetName(target) {
			lggr.Warnw("Dropping invalid target name", "target", target)
			continue
		}
		r.Networks[target] = NetworkStatus{Status: StatusPending}
	}

	return r
}

// Merge folds a new run's target list into an existing record with the same
// identity: unseen targets start pending, prior successes are preserved, and
// failed targets are reset to pending with attempts zeroed so the persisted
// record acts as the retry queue.
func (r *Record) Merge(targets []string, lggr logger.Logger) {
	for _, target := range targets {
		if !ValidTargetName(target) {
			lggr.Warnw("Dropping invalid target name", "target", target)
			continue
		}

		if _, ok := r.Networks[target]; !ok {
			r.Networks[target] = NetworkStatus{Status: StatusPending}
		}
	}

	for name, ns := range r.Networks {
		if ns.Status == StatusFailed {
			lggr.Infow("Resetting failed target for retry", "target", name, "previousError", ns.Error)
			r.Networks[name] = NetworkStatus{Status: StatusPending}
		}
	}

	r.LastUpdate = time.Now().UTC()
}

// Complete reports whether nothing in the record is retriable: no target is
// pending, in progress or failed.
func (r *Record) Complete() bool {
	for _, ns := range r.Networks {
		if ns.Status != StatusSuccess {
			return false
		}
	}

	return true
}

// Repair validates every entry and drops the ones that cannot be salvaged:
// invalid target names and unknown statuses. It returns an error when the
// record as a whole is unsalvageable (broken identity or nil map).
func (r *Record) Repair(lggr logger.Logger) error {
	if err := r.Identity.Validate(); err != nil {
		return fmt.Errorf("record identity unsalvageable: %w", err)
	}

	if r.Networks == nil {
		r.Networks = make(map[string]NetworkStatus)
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	for name, ns := range r.Networks {
		if !ValidTargetName(name) {
			lggr.Warnw("Dropping corrupted target entry", "target", name)
			delete(r.Networks, name)

			continue
		}
		if !ns.Status.Valid() {
			lggr.Warnw("Resetting target with unknown status", "target", name, "status", ns.Status)
			r.Networks[name] = NetworkStatus{Status: StatusPending}
		}
	}

	return nil
}

// Summary is the bucketed view of a record used for the human-facing run
// report.
type Summary struct {
	Total      int
	Pending    []string
	InProgress []string
	Success    []string
	Failed     []string
}

// Summarize buckets every target by its current status. Bucket contents are
// sorted for stable reporting.
func (r *Record) Summarize() Summary {
	s := Summary{Total: len(r.Networks)}

	for name, ns := range r.Networks {
		switch ns.Status {
		case StatusInProgress:
			s.InProgress = append(s.InProgress, name)
		case StatusSuccess:
			s.Success = append(s.Success, name)
		case StatusFailed:
			s.Failed = append(s.Failed, name)
		default:
			s.Pending = append(s.Pending, name)
		}
	}

	slices.Sort(s.Pending)
	slices.Sort(s.InProgress)
	slices.Sort(s.Success)
	slices.Sort(s.Failed)

	return s
}

// AllSuccessful reports whether every target in the summary succeeded.
func (s Summary) AllSuccessful() bool {
	return len(s.Pending) == 0 && len(s.InProgress) == 0 && len(s.Failed) == 0
}

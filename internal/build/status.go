package build

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNeedsBuild     Status = "NEEDSBUILD"
	StatusBuilding       Status = "BUILDING"
	StatusGathering      Status = "GATHERING"
	StatusUploading      Status = "UPLOADING"
	StatusFullyBuilt     Status = "FULLYBUILT"
	StatusFailedToBuild  Status = "FAILEDTOBUILD"
	StatusManualDepWait  Status = "MANUALDEPWAIT"
	StatusChrootWait     Status = "CHROOTWAIT"
	StatusCancelling     Status = "CANCELLING"
	StatusCancelled      Status = "CANCELLED"
	StatusSuperseded     Status = "SUPERSEDED"
	StatusFailedToUpload Status = "FAILEDTOUPLOAD"
)

var knownStatuses = map[Status]struct{}{
	StatusNeedsBuild:     {},
	StatusBuilding:       {},
	StatusGathering:      {},
	StatusUploading:      {},
	StatusFullyBuilt:     {},
	StatusFailedToBuild:  {},
	StatusManualDepWait:  {},
	StatusChrootWait:     {},
	StatusCancelling:     {},
	StatusCancelled:      {},
	StatusSuperseded:     {},
	StatusFailedToUpload: {},
}

func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = knownStatuses[status]
	return status, known
}

// Terminal reports whether the build has left the farm for good
// (short of an explicit retry).
func (s Status) Terminal() bool {
	switch s {
	case StatusFullyBuilt, StatusFailedToBuild, StatusManualDepWait, StatusChrootWait,
		StatusCancelled, StatusSuperseded, StatusFailedToUpload:
		return true
	default:
		return false
	}
}

func (s Status) Unsuccessful() bool {
	return s.Terminal() && s != StatusFullyBuilt
}

var transitions = map[Status][]Status{
	StatusNeedsBuild: {StatusBuilding, StatusCancelled},
	StatusBuilding: {
		StatusNeedsBuild, StatusGathering, StatusCancelling,
		StatusFailedToBuild, StatusManualDepWait, StatusChrootWait,
	},
	StatusGathering:     {StatusNeedsBuild, StatusUploading, StatusSuperseded, StatusFailedToUpload},
	StatusUploading:     {StatusFullyBuilt, StatusFailedToUpload},
	StatusManualDepWait: {StatusNeedsBuild},
	// The worker may finish on its own before it sees the abort.
	StatusCancelling: {
		StatusCancelled, StatusGathering,
		StatusFailedToBuild, StatusManualDepWait, StatusChrootWait,
	},
}

// CanTransition reports whether a build may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

type UpdateStatusOptions struct {
	// BuilderID replaces the assigned builder when not nil.
	BuilderID *uuid.UUID

	// Force skips transition validation. Only failure-count bookkeeping
	// should need it.
	Force bool

	// StartedAt and FinishedAt override the automatic timestamps.
	StartedAt  *time.Time
	FinishedAt *time.Time

	Now time.Time // zero value means time.Now()
}

// UpdateStatus moves the build to status and reports whether the change
// should be announced to observers.
func (b *Build) UpdateStatus(status Status, opts UpdateStatusOptions) (notify bool, err error) {
	if !opts.Force && !CanTransition(b.Status, status) {
		return false, &TransitionError{From: b.Status, To: status}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if opts.BuilderID != nil {
		builderID := *opts.BuilderID
		b.BuilderID = &builderID
	}

	switch {
	case opts.StartedAt != nil:
		startedAt := *opts.StartedAt
		b.StartedAt = &startedAt
	case status == StatusBuilding && b.StartedAt == nil:
		startedAt := now
		b.StartedAt = &startedAt
	}
	if status == StatusBuilding && b.FirstDispatchedAt == nil {
		firstDispatchedAt := *b.StartedAt
		b.FirstDispatchedAt = &firstDispatchedAt
	}

	switch {
	case opts.FinishedAt != nil:
		finishedAt := *opts.FinishedAt
		b.FinishedAt = &finishedAt
	case status != b.Status && (status.Terminal() || status == StatusUploading):
		finishedAt := now
		b.FinishedAt = &finishedAt
	}

	notify = b.Status != status
	b.Status = status
	return notify, nil
}

// Cancel marks the build as cancelled, or as cancelling when a builder
// is already working on it.
func (b *Build) Cancel(now time.Time) (notify bool, err error) {
	switch b.Status {
	case StatusNeedsBuild:
		notify, err = b.UpdateStatus(StatusCancelled, UpdateStatusOptions{Now: now})
		b.BuilderID = nil
		return notify, err
	case StatusBuilding:
		return b.UpdateStatus(StatusCancelling, UpdateStatusOptions{Now: now})
	default:
		return false, fmt.Errorf("%w: build is %s", ErrCannotCancel, b.Status)
	}
}

// CanRetry reports whether an operator may send the build back to the queue.
func (b *Build) CanRetry(series *DistroSeries) bool {
	if !b.Status.Unsuccessful() {
		return false
	}
	if series != nil && series.EndOfLife() {
		return false
	}
	return true
}

// ResetForRetry clears what the previous attempt left behind.
// FirstDispatchedAt survives.
func (b *Build) ResetForRetry() {
	b.Status = StatusNeedsBuild
	b.BuilderID = nil
	b.StartedAt = nil
	b.FinishedAt = nil
	b.LogKey = ""
	b.UploadLogKey = ""
	b.Dependencies = nil
	b.FailureCount = 0
}

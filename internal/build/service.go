package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type StatusChange struct {
	BuildID uuid.UUID `json:"build_id"`
	Cookie  string    `json:"cookie"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	NotifyStatusChanged(ctx context.Context, change *StatusChange) error
}

// Notify sends change through n and logs instead of failing,
// since the status is already committed when it is called.
func Notify(ctx context.Context, n Notifier, change *StatusChange) {
	if n == nil {
		return
	}
	if err := n.NotifyStatusChanged(ctx, change); err != nil {
		slog.Default().Error(
			"didn't notify status change",
			"build_cookie", change.Cookie,
			"from", change.From,
			"to", change.To,
			"error", err,
		)
	}
}

type Service struct {
	database Database // required
	notifier Notifier // required
	now      func() time.Time
}

func NewService(database Database, notifier Notifier) *Service {
	return &Service{
		database: database,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type ServiceCancelParams struct {
	ID uuid.UUID
}

// Cancel cancels a pending build right away and asks a running one to stop.
// A running build only becomes CANCELLED once its worker confirms the abort.
func (s *Service) Cancel(ctx context.Context, params *ServiceCancelParams) (*Build, error) {
	var b *Build
	var change *StatusChange

	err := RunInTx(ctx, s.database, func(tx DatabaseTx) error {
		var err error
		b, err = tx.GetBuildForUpdate(ctx, params.ID)
		if err != nil {
			return err
		}

		from := b.Status
		now := s.now()
		notify, err := b.Cancel(now)
		if err != nil {
			return err
		}

		if err = tx.UpdateBuild(ctx, b); err != nil {
			return err
		}

		if b.Status == StatusCancelled {
			qe, err := tx.GetQueueEntryByBuild(ctx, b.ID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return err
			default:
				if err = tx.DeleteQueueEntry(ctx, qe.ID); err != nil {
					return err
				}
			}
		}

		if notify {
			change = &StatusChange{BuildID: b.ID, Cookie: b.Cookie(), From: from, To: b.Status, At: now}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	if change != nil {
		Notify(ctx, s.notifier, change)
	}
	return b, nil
}

type ServiceRetryParams struct {
	ID uuid.UUID
}

// Retry sends an unsuccessful build back to the queue with a clean slate.
func (s *Service) Retry(ctx context.Context, params *ServiceRetryParams) (*Build, error) {
	var b *Build
	var change *StatusChange

	err := RunInTx(ctx, s.database, func(tx DatabaseTx) error {
		var err error
		b, err = tx.GetBuildForUpdate(ctx, params.ID)
		if err != nil {
			return err
		}

		series, err := tx.GetDistroSeries(ctx, b.DistroSeriesID)
		if err != nil {
			return err
		}
		if !b.CanRetry(series) {
			return fmt.Errorf("%w: build is %s in series %s", ErrCannotRetry, b.Status, series.Name)
		}

		from := b.Status
		b.ResetForRetry()
		if err = tx.UpdateBuild(ctx, b); err != nil {
			return err
		}

		_, err = tx.CreateQueueEntry(ctx, &DatabaseCreateQueueEntryParams{
			BuildID:     b.ID,
			Virtualized: b.Virtualized,
		})
		if err != nil {
			return err
		}

		change = &StatusChange{BuildID: b.ID, Cookie: b.Cookie(), From: from, To: b.Status, At: s.now()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	Notify(ctx, s.notifier, change)
	return b, nil
}

type ServiceUpdateStatusParams struct {
	ID      uuid.UUID
	Status  Status
	Options UpdateStatusOptions
}

func (s *Service) UpdateStatus(ctx context.Context, params *ServiceUpdateStatusParams) (*Build, error) {
	var b *Build
	var change *StatusChange

	err := RunInTx(ctx, s.database, func(tx DatabaseTx) error {
		var err error
		b, err = tx.GetBuildForUpdate(ctx, params.ID)
		if err != nil {
			return err
		}

		opts := params.Options
		if opts.Now.IsZero() {
			opts.Now = s.now()
		}
		from := b.Status
		notify, err := b.UpdateStatus(params.Status, opts)
		if err != nil {
			return err
		}
		if err = tx.UpdateBuild(ctx, b); err != nil {
			return err
		}

		if notify {
			change = &StatusChange{BuildID: b.ID, Cookie: b.Cookie(), From: from, To: b.Status, At: opts.Now}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	if change != nil {
		Notify(ctx, s.notifier, change)
	}
	return b, nil
}

type ServiceRequeueParams struct {
	ID uuid.UUID

	// MaxFailures fails the build instead of requeueing it once its
	// failure count reaches the value. Zero value (0) means no limit.
	MaxFailures int
}

// Requeue handles a builder that lost the build it was working on.
// The build goes back to the queue unless it was being cancelled
// or has failed too many times.
func (s *Service) Requeue(ctx context.Context, params *ServiceRequeueParams) (*Build, error) {
	var b *Build
	var change *StatusChange

	err := RunInTx(ctx, s.database, func(tx DatabaseTx) error {
		var err error
		b, err = tx.GetBuildForUpdate(ctx, params.ID)
		if err != nil {
			return err
		}

		qe, err := tx.GetQueueEntryByBuild(ctx, b.ID)
		if err != nil {
			return err
		}

		from := b.Status
		now := s.now()
		b.FailureCount++

		next := StatusNeedsBuild
		switch {
		case b.Status == StatusCancelling:
			next = StatusCancelled
		case params.MaxFailures > 0 && b.FailureCount >= params.MaxFailures:
			next = StatusFailedToBuild
		}

		notify, err := b.UpdateStatus(next, UpdateStatusOptions{Force: true, Now: now})
		if err != nil {
			return err
		}
		if next == StatusNeedsBuild {
			b.BuilderID = nil
			b.StartedAt = nil
			b.FinishedAt = nil
		}
		if err = tx.UpdateBuild(ctx, b); err != nil {
			return err
		}

		if next == StatusNeedsBuild {
			qe.BuilderID = nil
			qe.Logtail = ""
			err = tx.UpdateQueueEntry(ctx, qe)
		} else {
			err = tx.DeleteQueueEntry(ctx, qe.ID)
		}
		if err != nil {
			return err
		}

		if notify {
			change = &StatusChange{BuildID: b.ID, Cookie: b.Cookie(), From: from, To: b.Status, At: now}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	if change != nil {
		Notify(ctx, s.notifier, change)
	}
	return b, nil
}

type ServiceRejectParams struct {
	ID uuid.UUID

	// MaxFailures fails the build once its failure count reaches the
	// value. Zero value (0) means no limit.
	MaxFailures int
}

// Reject counts a dispatch attempt that found the build unbuildable.
// The build stays queued for another attempt until it runs out of
// failures. Builds that have left NEEDSBUILD are returned untouched.
func (s *Service) Reject(ctx context.Context, params *ServiceRejectParams) (*Build, error) {
	var b *Build
	var change *StatusChange

	err := RunInTx(ctx, s.database, func(tx DatabaseTx) error {
		var err error
		b, err = tx.GetBuildForUpdate(ctx, params.ID)
		if err != nil {
			return err
		}
		if b.Status != StatusNeedsBuild {
			return nil
		}

		b.FailureCount++
		if params.MaxFailures == 0 || b.FailureCount < params.MaxFailures {
			return tx.UpdateBuild(ctx, b)
		}

		from := b.Status
		now := s.now()
		if _, err = b.UpdateStatus(StatusFailedToBuild, UpdateStatusOptions{Force: true, Now: now}); err != nil {
			return err
		}
		if err = tx.UpdateBuild(ctx, b); err != nil {
			return err
		}

		qe, err := tx.GetQueueEntryByBuild(ctx, b.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			if err = tx.DeleteQueueEntry(ctx, qe.ID); err != nil {
				return err
			}
		}

		change = &StatusChange{BuildID: b.ID, Cookie: b.Cookie(), From: from, To: b.Status, At: now}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build.Service: %w", err)
	}

	if change != nil {
		Notify(ctx, s.notifier, change)
	}
	return b, nil
}

// RunInTx runs f in a transaction that is committed only if f succeeds.
func RunInTx(ctx context.Context, db Database, f func(tx DatabaseTx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err = f(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

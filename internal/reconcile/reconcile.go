// Package reconcile turns worker status reports into build status changes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/k11v/buildfarm/internal/behaviour"
	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/worker"
)

// ErrConsistency means a report doesn't belong to the build the builder
// is assigned. It points at a bug and is never retried into a status change.
var ErrConsistency = errors.New("inconsistent status report")

// BuildLogDigest is the name under which workers keep the last build's log.
const BuildLogDigest = "buildlog"

type LogStore interface {
	StoreLog(ctx context.Context, key string, r io.Reader) error
}

type LogtailCache interface {
	Set(ctx context.Context, cookie string, tail string) error
}

type Reconciler struct {
	database build.Database      // required
	registry *behaviour.Registry // required
	deps     *behaviour.Deps     // required
	logs     LogStore            // required
	logtails LogtailCache        // optional
	notifier build.Notifier      // optional
	now      func() time.Time
}

type ReconcilerParams struct {
	Database build.Database      // required
	Registry *behaviour.Registry // required
	Deps     *behaviour.Deps     // required
	Logs     LogStore            // required
	Logtails LogtailCache        // optional
	Notifier build.Notifier      // optional
}

func NewReconciler(params *ReconcilerParams) *Reconciler {
	return &Reconciler{
		database: params.Database,
		registry: params.Registry,
		deps:     params.Deps,
		logs:     params.Logs,
		logtails: params.Logtails,
		notifier: params.Notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type Result struct {
	Status  build.Status
	Changed bool
}

// LogKey is where the build log of the build with cookie is stored.
func LogKey(cookie string) string {
	return fmt.Sprintf("logs/%s/buildlog.txt", cookie)
}

// HandleStatus applies a report from the builder working on qe.
// A report of a finished build ends in one committed status change,
// after which the worker is cleaned. Any error leaves the build as it was
// so that the next report handles it again.
func (r *Reconciler) HandleStatus(ctx context.Context, log *slog.Logger, qe *build.QueueEntry, builder *build.Builder, report *worker.StatusReport, client worker.Client) (*Result, error) {
	b, err := r.database.GetBuild(ctx, qe.BuildID)
	if err != nil {
		return nil, fmt.Errorf("reconcile.Reconciler: %w", err)
	}
	log = log.With("build_cookie", b.Cookie(), "builder", builder.Name)

	if err = checkConsistency(b, qe, builder, report); err != nil {
		log.Error("got inconsistent status report", "worker_build_id", report.BuildID, "error", err)
		return nil, fmt.Errorf("reconcile.Reconciler: %w", err)
	}

	if report.BuilderStatus != worker.BuilderStatusWaiting {
		r.updateLogtail(ctx, log, b, qe, report.Logtail)
		return &Result{Status: b.Status}, nil
	}

	var next build.Status
	switch report.BuildStatus {
	case worker.BuildStatusOK:
		next, err = r.handleSuccess(ctx, log, b, report, client)
		if err != nil {
			return nil, fmt.Errorf("reconcile.Reconciler: %w", err)
		}
	case worker.BuildStatusPackageFail:
		next = build.StatusFailedToBuild
	case worker.BuildStatusDepFail:
		next = build.StatusManualDepWait
	case worker.BuildStatusChrootFail:
		next = build.StatusChrootWait
	case worker.BuildStatusGivenBack:
		next = build.StatusNeedsBuild
	case worker.BuildStatusAborted:
		if b.Status != build.StatusCancelling {
			return nil, &worker.BuildDaemonError{BuildCookie: b.Cookie(), Message: fmt.Sprintf("aborted while %s", b.Status)}
		}
		next = build.StatusCancelled
	default:
		return nil, &worker.BuildDaemonError{BuildCookie: b.Cookie(), Message: fmt.Sprintf("unknown build status %q", report.BuildStatus)}
	}

	// A given-back build runs again, and its next attempt brings the log.
	var logKey string
	if report.BuildStatus != worker.BuildStatusGivenBack {
		logKey = LogKey(b.Cookie())
		if err = r.storeLog(ctx, client, logKey); err != nil {
			return nil, fmt.Errorf("reconcile.Reconciler: %w", err)
		}
	}

	change, err := r.commit(ctx, b, qe, next, logKey, report.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("reconcile.Reconciler: %w", err)
	}
	if change != nil {
		build.Notify(ctx, r.notifier, change)
	}
	log.Info("handled finished build", "worker_build_status", report.BuildStatus, "status", b.Status)

	r.clean(ctx, log, builder, client)

	return &Result{Status: b.Status, Changed: change != nil}, nil
}

func checkConsistency(b *build.Build, qe *build.QueueEntry, builder *build.Builder, report *worker.StatusReport) error {
	if qe.BuilderID == nil || *qe.BuilderID != builder.ID {
		return fmt.Errorf("%w: queue entry %s isn't assigned to builder %s", ErrConsistency, qe.ID, builder.Name)
	}
	if report.BuildID != b.Cookie() {
		return fmt.Errorf("%w: worker is on %q, want %q", ErrConsistency, report.BuildID, b.Cookie())
	}
	return nil
}

// updateLogtail records progress only, so failures are logged and dropped.
func (r *Reconciler) updateLogtail(ctx context.Context, log *slog.Logger, b *build.Build, qe *build.QueueEntry, tail string) {
	if tail == "" || tail == qe.Logtail {
		return
	}

	qe.Logtail = tail
	if err := r.database.UpdateQueueEntry(ctx, qe); err != nil {
		log.Warn("didn't update logtail", "error", err)
	}
	if r.logtails != nil {
		if err := r.logtails.Set(ctx, b.Cookie(), tail); err != nil {
			log.Warn("didn't cache logtail", "error", err)
		}
	}
}

func (r *Reconciler) handleSuccess(ctx context.Context, log *slog.Logger, b *build.Build, report *worker.StatusReport, client worker.Client) (build.Status, error) {
	bhv, err := r.registry.New(b.JobType, r.deps)
	if err != nil {
		return "", err
	}
	return bhv.HandleSuccess(ctx, &behaviour.SuccessParams{
		Build:  b,
		Report: report,
		Client: client,
		Log:    log,
	})
}

func (r *Reconciler) storeLog(ctx context.Context, client worker.Client, key string) error {
	dir, err := os.MkdirTemp("", "buildfarm-log-")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	path := filepath.Join(dir, "buildlog")
	if err = client.GetFiles(ctx, []worker.FileRequest{{Digest: BuildLogDigest, Path: path}}); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer closeWithLog(f)

	return r.logs.StoreLog(ctx, key, f)
}

// commit writes the final status and drops the queue entry in one
// transaction. A given-back build keeps its entry, unassigned.
func (r *Reconciler) commit(ctx context.Context, b *build.Build, qe *build.QueueEntry, next build.Status, logKey string, dependencies *string) (*build.StatusChange, error) {
	var change *build.StatusChange
	now := r.now()

	err := build.RunInTx(ctx, r.database, func(tx build.DatabaseTx) error {
		current, err := tx.GetBuildForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}

		if next == build.StatusNeedsBuild && current.Status == build.StatusCancelling {
			next = build.StatusCancelled
		}

		from := current.Status
		notify, err := current.UpdateStatus(next, build.UpdateStatusOptions{Now: now})
		if err != nil {
			return err
		}
		if logKey != "" {
			current.LogKey = logKey
		}
		if next == build.StatusManualDepWait {
			current.Dependencies = dependencies
		}
		if next == build.StatusNeedsBuild {
			current.BuilderID = nil
			current.StartedAt = nil
			current.FinishedAt = nil
		}
		if err = tx.UpdateBuild(ctx, current); err != nil {
			return err
		}

		if next == build.StatusNeedsBuild {
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
			change = &build.StatusChange{BuildID: current.ID, Cookie: current.Cookie(), From: from, To: current.Status, At: now}
		}
		*b = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	return change, nil
}

// clean resets the worker after a committed outcome. Failing to clean
// doesn't undo the outcome; the builder just stays dirty.
func (r *Reconciler) clean(ctx context.Context, log *slog.Logger, builder *build.Builder, client worker.Client) {
	if err := client.Clean(ctx); err != nil {
		log.Warn("didn't clean worker", "error", err)
		return
	}

	builder.CleanStatus = build.CleanStatusClean
	if err := r.database.UpdateBuilder(ctx, builder); err != nil {
		log.Warn("didn't mark builder clean", "error", err)
	}
}

func closeWithLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Default().Error("didn't close", "component", "reconcile", "error", err)
	}
}

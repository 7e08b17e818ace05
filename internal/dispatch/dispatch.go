// Package dispatch hands queued builds to idle workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k11v/buildfarm/internal/behaviour"
	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/worker"
)

// CannotBuildError means the build can't be dispatched to this builder
// right now. The build stays queued.
type CannotBuildError struct {
	BuildCookie string
	Reason      string
	Err         error // optional
}

func (e *CannotBuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot build %s: %s: %v", e.BuildCookie, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot build %s: %s", e.BuildCookie, e.Reason)
}

func (e *CannotBuildError) Unwrap() error {
	return e.Err
}

func IsCannotBuild(err error) bool {
	var cannotBuildErr *CannotBuildError
	return errors.As(err, &cannotBuildErr)
}

var digestRegexp = regexp.MustCompile(`^[0-9a-f]{40}$`)

type Request struct {
	Build  *build.Build
	Chroot *build.Chroot
	Files  map[string]worker.FileSource
	Args   map[string]any
}

type Dispatcher struct {
	database     build.Database      // required
	registry     *behaviour.Registry // required
	deps         *behaviour.Deps     // required
	metrics      *Metrics            // optional
	notifier     build.Notifier      // optional
	buildURLBase string
	now          func() time.Time
}

type DispatcherParams struct {
	Database     build.Database      // required
	Registry     *behaviour.Registry // required
	Deps         *behaviour.Deps     // required
	Metrics      *Metrics            // optional
	Notifier     build.Notifier      // optional
	BuildURLBase string              // e.g. "https://buildfarm.example"
}

func NewDispatcher(params *DispatcherParams) *Dispatcher {
	return &Dispatcher{
		database:     params.Database,
		registry:     params.Registry,
		deps:         params.Deps,
		metrics:      params.Metrics,
		notifier:     params.Notifier,
		buildURLBase: strings.TrimRight(params.BuildURLBase, "/"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ComposeBuildRequest works out everything a worker needs to run b.
// Problems with b or builder are returned as *CannotBuildError.
func (d *Dispatcher) ComposeBuildRequest(ctx context.Context, b *build.Build, builder *build.Builder) (*Request, error) {
	cannotBuild := func(reason string, err error) error {
		return &CannotBuildError{BuildCookie: b.Cookie(), Reason: reason, Err: err}
	}

	bhv, err := d.registry.New(b.JobType, d.deps)
	if err != nil {
		return nil, cannotBuild("no behaviour", err)
	}

	if b.Virtualized && !builder.Virtualized {
		return nil, cannotBuild(fmt.Sprintf("builder %s isn't virtualized", builder.Name), nil)
	}
	if !builder.SupportsProcessor(b.Processor) {
		return nil, cannotBuild(fmt.Sprintf("builder %s doesn't support %s", builder.Name, b.Processor), nil)
	}

	if b.SourcePublicationID != nil {
		pub, err := d.database.GetSourcePublication(ctx, *b.SourcePublicationID)
		if errors.Is(err, build.ErrNotFound) {
			return nil, cannotBuild("source publication is missing", err)
		} else if err != nil {
			return nil, fmt.Errorf("dispatch.Dispatcher: %w", err)
		}
		if pub.Status == build.SourcePublicationStatusDeleted {
			return nil, cannotBuild("source publication is deleted", nil)
		}
	}

	series, err := d.database.GetDistroSeries(ctx, b.DistroSeriesID)
	if err != nil {
		return nil, fmt.Errorf("dispatch.Dispatcher: %w", err)
	}

	chroot, err := d.SelectChroot(ctx, b, bhv.ImageTypes())
	if errors.Is(err, build.ErrNotFound) {
		return nil, cannotBuild(fmt.Sprintf("no chroot for %s %s %s", series.Name, b.Pocket, b.Processor), nil)
	} else if err != nil {
		return nil, fmt.Errorf("dispatch.Dispatcher: %w", err)
	}

	args, err := bhv.ComposeExtraArgs(ctx, b)
	if errors.Is(err, behaviour.ErrInvalidArguments) {
		return nil, cannotBuild("invalid arguments", err)
	} else if err != nil {
		return nil, fmt.Errorf("dispatch.Dispatcher: %w", err)
	}
	args["series"] = series.Name
	args["arch_tag"] = b.Processor
	args["build_url"] = fmt.Sprintf("%s/builds/%s", d.buildURLBase, b.ID)

	files, err := bhv.DetermineFilesToSend(ctx, b)
	if errors.Is(err, behaviour.ErrInvalidArguments) {
		return nil, cannotBuild("invalid files", err)
	} else if err != nil {
		return nil, fmt.Errorf("dispatch.Dispatcher: %w", err)
	}

	if !digestRegexp.MatchString(chroot.Digest) {
		return nil, cannotBuild(fmt.Sprintf("chroot digest %q isn't a sha1", chroot.Digest), nil)
	}
	for name, f := range files {
		if !digestRegexp.MatchString(f.Digest) {
			return nil, cannotBuild(fmt.Sprintf("digest %q of %s isn't a sha1", f.Digest, name), nil)
		}
	}

	return &Request{Build: b, Chroot: chroot, Files: files, Args: args}, nil
}

// SelectChroot returns the first chroot found for the preferred image
// types, trying the build's own pocket before the ones it depends on.
// It returns build.ErrNotFound when there is none.
func (d *Dispatcher) SelectChroot(ctx context.Context, b *build.Build, imageTypes []string) (*build.Chroot, error) {
	pockets := build.PocketDependencies(b.Pocket)
	for _, imageType := range imageTypes {
		for i := len(pockets) - 1; i >= 0; i-- {
			chroot, err := d.database.FindChroot(ctx, &build.DatabaseFindChrootParams{
				DistroSeriesID: b.DistroSeriesID,
				Pocket:         pockets[i],
				ImageType:      imageType,
				Processor:      b.Processor,
			})
			if errors.Is(err, build.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return chroot, nil
		}
	}
	return nil, build.ErrNotFound
}

// DispatchBuildToWorker stages everything the build needs on the worker,
// records the builder as busy with it and starts it.
//
// The assignment is committed before the worker is asked to build, so a
// transport error leaves the build BUILDING on builder for the next status
// poll to sort out. Only an explicit rejection by the worker undoes it.
func (d *Dispatcher) DispatchBuildToWorker(ctx context.Context, log *slog.Logger, b *build.Build, qe *build.QueueEntry, builder *build.Builder, client worker.Client) error {
	log = log.With("build_cookie", b.Cookie(), "builder", builder.Name)

	req, err := d.ComposeBuildRequest(ctx, b, builder)
	if err != nil {
		return err
	}

	if err = d.stage(ctx, log, req, client); err != nil {
		return fmt.Errorf("dispatch.Dispatcher: %w", err)
	}

	before := *b
	now := d.now()
	notify, err := d.assign(ctx, b, qe, builder, now)
	if err != nil {
		return fmt.Errorf("dispatch.Dispatcher: %w", err)
	}

	fileMap := make(map[string]string, len(req.Files))
	for name, f := range req.Files {
		fileMap[name] = f.Digest
	}
	result, err := client.Build(ctx, &worker.BuildParams{
		BuildID:      b.Cookie(),
		JobType:      string(b.JobType),
		ChrootDigest: req.Chroot.Digest,
		Files:        fileMap,
		Args:         req.Args,
	})
	if worker.IsFault(err, "") {
		if unassignErr := d.unassign(ctx, b, qe, builder, &before); unassignErr != nil {
			return fmt.Errorf("dispatch.Dispatcher: %w", errors.Join(err, unassignErr))
		}
		return &CannotBuildError{BuildCookie: b.Cookie(), Reason: "worker rejected the build", Err: err}
	}

	if notify {
		build.Notify(ctx, d.notifier, &build.StatusChange{BuildID: b.ID, Cookie: b.Cookie(), From: before.Status, To: b.Status, At: now})
	}
	d.metrics.dispatched(b.JobType, builder)

	if err != nil {
		log.Warn("didn't confirm build start, leaving it to the next poll", "error", err)
		return fmt.Errorf("dispatch.Dispatcher: %w", err)
	}
	log.Info("started build", "worker_status", result.Status)

	return nil
}

// assign marks b as BUILDING on builder, points qe at builder and
// marks builder dirty.
func (d *Dispatcher) assign(ctx context.Context, b *build.Build, qe *build.QueueEntry, builder *build.Builder, now time.Time) (notify bool, err error) {
	err = build.RunInTx(ctx, d.database, func(tx build.DatabaseTx) error {
		current, err := tx.GetBuildForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		builderID := builder.ID
		notify, err = current.UpdateStatus(build.StatusBuilding, build.UpdateStatusOptions{BuilderID: &builderID, Now: now})
		if err != nil {
			return err
		}
		if err = tx.UpdateBuild(ctx, current); err != nil {
			return err
		}

		qe.BuilderID = &builderID
		if err = tx.UpdateQueueEntry(ctx, qe); err != nil {
			return err
		}

		builder.CleanStatus = build.CleanStatusDirty
		if err = tx.UpdateBuilder(ctx, builder); err != nil {
			return err
		}

		*b = *current
		return nil
	})
	return notify, err
}

// unassign puts b back in the queue the way it was before assign.
// A build that changed status in the meantime, e.g. because it was
// cancelled, is left for the status poll.
func (d *Dispatcher) unassign(ctx context.Context, b *build.Build, qe *build.QueueEntry, builder *build.Builder, before *build.Build) error {
	return build.RunInTx(ctx, d.database, func(tx build.DatabaseTx) error {
		current, err := tx.GetBuildForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		if current.Status != build.StatusBuilding || current.BuilderID == nil || *current.BuilderID != builder.ID {
			*b = *current
			return nil
		}

		current.Status = before.Status
		current.BuilderID = before.BuilderID
		current.StartedAt = before.StartedAt
		current.FirstDispatchedAt = before.FirstDispatchedAt
		if err = tx.UpdateBuild(ctx, current); err != nil {
			return err
		}

		qe.BuilderID = nil
		if err = tx.UpdateQueueEntry(ctx, qe); err != nil {
			return err
		}

		*b = *current
		return nil
	})
}

// stage makes the worker fetch the chroot and every file at once and
// returns only after all fetches have finished.
func (d *Dispatcher) stage(ctx context.Context, log *slog.Logger, req *Request, client worker.Client) error {
	sources := []worker.FileSource{{Digest: req.Chroot.Digest, URL: req.Chroot.URL}}
	for _, f := range req.Files {
		sources = append(sources, f)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range sources {
		g.Go(func() error {
			present, info, err := client.EnsurePresent(gctx, &source)
			if err != nil {
				return err
			}
			if !present {
				return fmt.Errorf("worker didn't fetch %s: %s", source.Digest, info)
			}
			log.Debug("staged file", "digest", source.Digest, "info", info)
			return nil
		})
	}
	return g.Wait()
}

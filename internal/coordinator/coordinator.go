// Package coordinator runs one scheduling loop per builder: it polls the
// worker, hands its reports to the reconciler and feeds idle workers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/dispatch"
	"github.com/k11v/buildfarm/internal/reconcile"
	"github.com/k11v/buildfarm/internal/upload"
	"github.com/k11v/buildfarm/internal/worker"
)

// ErrBuilderInactive ends a builder's loop.
var ErrBuilderInactive = errors.New("builder is inactive")

const defaultPollInterval = 15 * time.Second

// maxDispatchAttempts bounds how many queue entries one poll tries.
const maxDispatchAttempts = 10

// ClientFactory returns a client that talks to the builder's worker.
type ClientFactory func(builder *build.Builder) worker.Client

type Coordinator struct {
	database     build.Database        // required
	service      *build.Service        // required
	dispatcher   *dispatch.Dispatcher  // required
	reconciler   *reconcile.Reconciler // required
	clients      ClientFactory         // required
	uploads      *upload.Processor     // optional
	metrics      *Metrics              // optional
	policies     RetryPolicies
	timeouts     worker.Timeouts
	pollInterval time.Duration
	maxFailures  int
	log          *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]struct{} // builders with a loop
	claims  map[uuid.UUID]struct{} // queue entries being dispatched
}

type CoordinatorParams struct {
	Database   build.Database        // required
	Service    *build.Service        // required
	Dispatcher *dispatch.Dispatcher  // required
	Reconciler *reconcile.Reconciler // required
	Clients    ClientFactory         // required
	Uploads    *upload.Processor     // optional
	Metrics    *Metrics              // optional
	Policies   *RetryPolicies        // nil means DefaultRetryPolicies
	Timeouts   *worker.Timeouts      // nil means worker.DefaultTimeouts

	// PollInterval is the wait between polls of a healthy builder.
	// Zero value (0) means 15s.
	PollInterval time.Duration

	// MaxBuildFailures fails a build once it has been lost or found
	// unbuildable this many times. Zero value (0) means it is always
	// requeued.
	MaxBuildFailures int
}

func NewCoordinator(params *CoordinatorParams) *Coordinator {
	policies := DefaultRetryPolicies()
	if params.Policies != nil {
		policies = *params.Policies
	}
	timeouts := worker.DefaultTimeouts()
	if params.Timeouts != nil {
		timeouts = *params.Timeouts
	}
	pollInterval := params.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	return &Coordinator{
		database:     params.Database,
		service:      params.Service,
		dispatcher:   params.Dispatcher,
		reconciler:   params.Reconciler,
		clients:      params.Clients,
		uploads:      params.Uploads,
		metrics:      params.Metrics,
		policies:     policies,
		timeouts:     timeouts,
		pollInterval: pollInterval,
		maxFailures:  params.MaxBuildFailures,
		log:          slog.Default().With("component", "coordinator"),
		running:      make(map[uuid.UUID]struct{}),
		claims:       make(map[uuid.UUID]struct{}),
	}
}

// Run polls every active builder until ctx is done. Builders activated
// later are picked up on the next refresh. It returns nil once ctx is
// done and every loop has stopped.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			if err := c.startLoops(gctx, g); err != nil {
				c.log.Error("didn't list builders", "error", err)
			}
			if !sleep(gctx, 4*c.pollInterval) {
				return nil
			}
		}
	})

	if c.uploads != nil {
		g.Go(func() error {
			for {
				if _, err := c.uploads.ProcessIncoming(gctx, c.log); err != nil && gctx.Err() == nil {
					c.log.Error("didn't process uploads", "error", err)
				}
				if !sleep(gctx, c.pollInterval) {
					return nil
				}
			}
		})
	}

	return g.Wait()
}

func (c *Coordinator) startLoops(ctx context.Context, g *errgroup.Group) error {
	builders, err := c.database.ListBuilders(ctx, &build.DatabaseListBuildersParams{ActiveOnly: true})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range builders {
		if _, ok := c.running[b.ID]; ok {
			continue
		}
		c.running[b.ID] = struct{}{}
		c.metrics.setBuilder(b)

		id, name := b.ID, b.Name
		g.Go(func() error {
			c.builderLoop(ctx, id, name)
			c.mu.Lock()
			delete(c.running, id)
			c.mu.Unlock()
			return nil
		})
	}
	return nil
}

func (c *Coordinator) builderLoop(ctx context.Context, id uuid.UUID, name string) {
	log := c.log.With("builder", name)
	log.Info("started polling builder")

	for {
		delay, err := c.PollBuilder(ctx, id)
		if errors.Is(err, ErrBuilderInactive) {
			log.Warn("stopped polling builder")
			return
		}
		if err != nil && ctx.Err() == nil {
			log.Error("didn't poll builder", "error", err)
		}
		if delay == 0 {
			delay = c.pollInterval
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

// PollBuilder runs one iteration of a builder's loop and returns how long
// to wait before the next one. Worker failures are absorbed here and only
// show up in the delay; the returned error is for everything else.
func (c *Coordinator) PollBuilder(ctx context.Context, id uuid.UUID) (time.Duration, error) {
	builder, err := c.database.GetBuilder(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("coordinator.Coordinator: %w", err)
	}
	if !builder.Active {
		return 0, ErrBuilderInactive
	}
	log := c.log.With("builder", builder.Name)
	client := worker.NewTimeoutClient(c.clients(builder), c.timeouts)

	qe, err := c.database.GetQueueEntryByBuilder(ctx, builder.ID)
	if errors.Is(err, build.ErrNotFound) {
		qe = nil
	} else if err != nil {
		return 0, fmt.Errorf("coordinator.Coordinator: %w", err)
	}

	report, err := client.Status(ctx)
	if err == nil {
		err = c.handleReport(ctx, log, builder, qe, report, client)
	}
	if worker.IsTransport(err) {
		return c.handleFailure(ctx, log, builder, qe, err)
	}
	if err != nil {
		return 0, err
	}

	if builder.FailureCount > 0 {
		builder.FailureCount = 0
		if err = c.database.UpdateBuilder(ctx, builder); err != nil {
			return 0, fmt.Errorf("coordinator.Coordinator: %w", err)
		}
		log.Info("builder recovered")
	}
	c.metrics.setBuilder(builder)

	return c.pollInterval, nil
}

func (c *Coordinator) handleReport(ctx context.Context, log *slog.Logger, builder *build.Builder, qe *build.QueueEntry, report *worker.StatusReport, client worker.Client) error {
	if qe == nil {
		switch report.BuilderStatus {
		case worker.BuilderStatusIdle:
			return c.dispatchNext(ctx, log, builder, client)
		case worker.BuilderStatusWaiting:
			// Left over from a build whose outcome is already recorded.
			return c.clean(ctx, log, builder, client)
		case worker.BuilderStatusBuilding:
			// Nothing assigned here will ever collect it.
			log.Warn("aborting build nothing is assigned to", "worker_build_id", report.BuildID)
			err := client.Abort(ctx)
			if err != nil && !worker.IsFault(err, worker.FaultNotBuilding) {
				return err
			}
			return nil
		default:
			log.Warn("got busy worker without a build", "worker_status", report.BuilderStatus, "worker_build_id", report.BuildID)
			return nil
		}
	}

	b, err := c.database.GetBuild(ctx, qe.BuildID)
	if err != nil {
		return fmt.Errorf("coordinator.Coordinator: %w", err)
	}
	log = log.With("build_cookie", b.Cookie())

	if report.BuilderStatus == worker.BuilderStatusIdle {
		log.Warn("worker lost build, requeueing")
		if _, err = c.service.Requeue(ctx, &build.ServiceRequeueParams{ID: b.ID, MaxFailures: c.maxFailures}); err != nil {
			return fmt.Errorf("coordinator.Coordinator: %w", err)
		}
		return nil
	}

	if b.Status == build.StatusCancelling && report.BuilderStatus == worker.BuilderStatusBuilding {
		err = client.Abort(ctx)
		if worker.IsFault(err, worker.FaultNotBuilding) {
			// The build finished on its own; the next report has its outcome.
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("aborted build")
		return nil
	}

	result, err := c.reconciler.HandleStatus(ctx, log, qe, builder, report, client)
	if worker.IsTransport(err) {
		return err
	}
	var daemonErr *worker.BuildDaemonError
	if errors.As(err, &daemonErr) || errors.Is(err, reconcile.ErrConsistency) {
		log.Error("didn't handle status", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("coordinator.Coordinator: %w", err)
	}
	if result.Changed {
		c.metrics.finished(b.JobType, result.Status)
	}
	return nil
}

// dispatchNext hands the best queued build to the worker. Builds the
// builder can't take are counted against and passed over, so one of
// them can't hold up the rest of the queue.
func (c *Coordinator) dispatchNext(ctx context.Context, log *slog.Logger, builder *build.Builder, client worker.Client) error {
	if builder.CleanStatus != build.CleanStatusClean {
		return c.clean(ctx, log, builder, client)
	}

	var skip []uuid.UUID
	for range maxDispatchAttempts {
		qe, err := c.database.NextQueueEntry(ctx, &build.DatabaseNextQueueEntryParams{
			Processors:  builder.Processors,
			Virtualized: builder.Virtualized,
			Exclude:     skip,
		})
		if errors.Is(err, build.ErrNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("coordinator.Coordinator: %w", err)
		}
		skip = append(skip, qe.ID)

		dispatched, err := c.tryDispatch(ctx, log, builder, qe, client)
		if dispatched || err != nil {
			return err
		}
	}
	return nil
}

// tryDispatch reports whether the loop in dispatchNext is done with
// this poll. A build the worker itself turned down ends it, since the
// worker is unlikely to take the next one either.
func (c *Coordinator) tryDispatch(ctx context.Context, log *slog.Logger, builder *build.Builder, qe *build.QueueEntry, client worker.Client) (bool, error) {
	if !c.claim(qe.ID) {
		return false, nil
	}
	defer c.release(qe.ID)

	b, err := c.database.GetBuild(ctx, qe.BuildID)
	if err != nil {
		return false, fmt.Errorf("coordinator.Coordinator: %w", err)
	}

	err = c.dispatcher.DispatchBuildToWorker(ctx, log, b, qe, builder, client)
	if !dispatch.IsCannotBuild(err) {
		return true, err
	}
	if worker.IsFault(err, "") {
		log.Warn("didn't dispatch", "build_cookie", b.Cookie(), "error", err)
		return true, nil
	}

	b, rejectErr := c.service.Reject(ctx, &build.ServiceRejectParams{ID: b.ID, MaxFailures: c.maxFailures})
	if rejectErr != nil {
		return false, fmt.Errorf("coordinator.Coordinator: %w", rejectErr)
	}
	log.Warn("didn't dispatch", "build_cookie", b.Cookie(), "build_status", b.Status, "failures", b.FailureCount, "error", err)
	return false, nil
}

// clean resets a worker no build is assigned to.
func (c *Coordinator) clean(ctx context.Context, log *slog.Logger, builder *build.Builder, client worker.Client) error {
	if err := client.Clean(ctx); err != nil {
		return err
	}
	builder.CleanStatus = build.CleanStatusClean
	if err := c.database.UpdateBuilder(ctx, builder); err != nil {
		return fmt.Errorf("coordinator.Coordinator: %w", err)
	}
	log.Info("cleaned worker")
	return nil
}

// handleFailure counts a failure to reach the builder. Once the retry
// policy runs out, the builder is disabled and its build requeued.
func (c *Coordinator) handleFailure(ctx context.Context, log *slog.Logger, builder *build.Builder, qe *build.QueueEntry, cause error) (time.Duration, error) {
	var jobType build.JobType
	if qe != nil {
		if b, err := c.database.GetBuild(ctx, qe.BuildID); err == nil {
			jobType = b.JobType
		}
	}
	policy := c.policies.For(jobType)

	builder.FailureCount++
	exhausted := policy.Exhausted(builder.FailureCount)
	if exhausted {
		builder.Active = false
	}
	if err := c.database.UpdateBuilder(ctx, builder); err != nil {
		return 0, fmt.Errorf("coordinator.Coordinator: %w", err)
	}
	c.metrics.setBuilder(builder)

	if !exhausted {
		delay := policy.Delay(builder.FailureCount)
		log.Warn("didn't reach worker", "failures", builder.FailureCount, "retry_in", delay, "error", cause)
		return delay, nil
	}

	log.Error("disabled builder", "failures", builder.FailureCount, "error", cause)
	if qe != nil {
		if _, err := c.service.Requeue(ctx, &build.ServiceRequeueParams{ID: qe.BuildID, MaxFailures: c.maxFailures}); err != nil {
			return 0, fmt.Errorf("coordinator.Coordinator: %w", err)
		}
	}
	return 0, ErrBuilderInactive
}

func (c *Coordinator) claim(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claims[id]; ok {
		return false
	}
	c.claims[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, id)
}

// sleep waits for d and reports false if ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package coordinator

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/k11v/buildfarm/internal/behaviour"
	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/build/buildtest"
	"github.com/k11v/buildfarm/internal/dispatch"
	"github.com/k11v/buildfarm/internal/reconcile"
	"github.com/k11v/buildfarm/internal/worker"
	"github.com/k11v/buildfarm/internal/worker/workerfake"
)

var (
	buildID   = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	builderID = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")
	seriesID  = uuid.MustParse("cccccccc-0000-0000-0000-000000000000")
	entryID   = uuid.MustParse("dddddddd-0000-0000-0000-000000000000")

	blockedBuildID  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	blockedSeriesID = uuid.MustParse("cccccccc-0000-0000-0000-000000000001")
	blockedEntryID  = uuid.MustParse("dddddddd-0000-0000-0000-000000000001")
)

const (
	chrootDigest = "1111111111111111111111111111111111111111"
	pollInterval = 10 * time.Millisecond
)

type discardLogs struct{}

func (discardLogs) StoreLog(ctx context.Context, key string, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

// lostReplyWorker starts builds but loses every reply to Build.
type lostReplyWorker struct {
	*workerfake.Worker
}

func (w lostReplyWorker) Build(ctx context.Context, params *worker.BuildParams) (*worker.BuildResult, error) {
	if _, err := w.Worker.Build(ctx, params); err != nil {
		return nil, err
	}
	return nil, &worker.TransportError{Op: "build", Err: errors.New("connection reset by peer")}
}

type testEnv struct {
	db          *buildtest.Database
	service     *build.Service
	coordinator *Coordinator
	metrics     *Metrics
	worker      *workerfake.Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := buildtest.NewDatabase()
	db.AddDistroSeries(&build.DistroSeries{ID: seriesID, Name: "noble", Status: build.DistroSeriesStatusCurrent})
	db.AddChroot(&build.Chroot{DistroSeriesID: seriesID, Pocket: build.PocketRelease, ImageType: "chroot", Processor: "amd64", Digest: chrootDigest, URL: "https://blobs.example/chroot"})
	db.AddBuild(&build.Build{
		ID:             buildID,
		JobType:        build.JobTypeLiveFS,
		Status:         build.StatusNeedsBuild,
		Processor:      "amd64",
		DistroSeriesID: seriesID,
		Pocket:         build.PocketRelease,
		Arguments:      map[string]string{"project": "ubuntu"},
	})
	db.AddQueueEntry(&build.QueueEntry{ID: entryID, BuildID: buildID, LastScore: 10})
	db.AddBuilder(&build.Builder{
		ID:          builderID,
		Name:        "bos01-amd64-001",
		Processors:  []string{"amd64"},
		Region:      "bos01",
		Active:      true,
		CleanStatus: build.CleanStatusClean,
	})

	root := t.TempDir()
	deps := &behaviour.Deps{
		Database: db,
		Upload:   behaviour.UploadConfig{StagingRoot: root + "/staging", IncomingRoot: root + "/incoming"},
	}
	registry := behaviour.DefaultRegistry()
	service := build.NewService(db, nil)
	metrics := NewMetrics(prometheus.NewRegistry())
	w := workerfake.New()

	c := NewCoordinator(&CoordinatorParams{
		Database:   db,
		Service:    service,
		Dispatcher: dispatch.NewDispatcher(&dispatch.DispatcherParams{Database: db, Registry: registry, Deps: deps, BuildURLBase: "https://buildfarm.example"}),
		Reconciler: reconcile.NewReconciler(&reconcile.ReconcilerParams{Database: db, Registry: registry, Deps: deps, Logs: discardLogs{}}),
		Clients: func(b *build.Builder) worker.Client {
			return w
		},
		Metrics:      metrics,
		PollInterval: pollInterval,
	})

	return &testEnv{db: db, service: service, coordinator: c, metrics: metrics, worker: w}
}

func (env *testEnv) poll(t *testing.T) time.Duration {
	t.Helper()
	delay, err := env.coordinator.PollBuilder(context.Background(), builderID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return delay
}

func (env *testEnv) status(t *testing.T) build.Status {
	t.Helper()
	b, err := env.db.GetBuild(context.Background(), buildID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return b.Status
}

// addBlockedBuild queues a build that outscores the default one but
// can't be built, since its series has no chroot.
func (env *testEnv) addBlockedBuild() {
	env.db.AddDistroSeries(&build.DistroSeries{ID: blockedSeriesID, Name: "oracular", Status: build.DistroSeriesStatusCurrent})
	env.db.AddBuild(&build.Build{
		ID:             blockedBuildID,
		JobType:        build.JobTypeLiveFS,
		Status:         build.StatusNeedsBuild,
		Processor:      "amd64",
		DistroSeriesID: blockedSeriesID,
		Pocket:         build.PocketRelease,
		Arguments:      map[string]string{"project": "ubuntu"},
	})
	env.db.AddQueueEntry(&build.QueueEntry{ID: blockedEntryID, BuildID: blockedBuildID, LastScore: 100})
}

func TestPollBuilder(t *testing.T) {
	t.Run("dispatches to an idle builder", func(t *testing.T) {
		env := newTestEnv(t)

		if got, want := env.poll(t), pollInterval; got != want {
			t.Fatalf("got delay %v, want %v", got, want)
		}
		if got, want := env.status(t), build.StatusBuilding; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got := len(env.worker.BuildParams); got != 1 {
			t.Fatalf("got %d Build calls, want 1", got)
		}
	})

	t.Run("records a finished build", func(t *testing.T) {
		env := newTestEnv(t)
		env.poll(t)
		env.worker.Finish(worker.BuildStatusPackageFail, nil, nil)

		env.poll(t)

		if got, want := env.status(t), build.StatusFailedToBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		got := testutil.ToFloat64(env.metrics.finishedBuilds.WithLabelValues(string(build.JobTypeLiveFS), string(build.StatusFailedToBuild)))
		if got != 1 {
			t.Fatalf("got %v, want 1", got)
		}
		if calls := env.worker.Calls(); !slices.Contains(calls, workerfake.CallClean) {
			t.Fatalf("got %v, want a Clean call", calls)
		}
	})

	t.Run("aborts a cancelling build", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.poll(t)
		if _, err := env.service.Cancel(ctx, &build.ServiceCancelParams{ID: buildID}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		env.poll(t)
		if calls := env.worker.Calls(); !slices.Contains(calls, workerfake.CallAbort) {
			t.Fatalf("got %v, want an Abort call", calls)
		}
		if got, want := env.status(t), build.StatusCancelling; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		env.poll(t)
		if got, want := env.status(t), build.StatusCancelled; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("swallows an abort that came too late", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.poll(t)
		if _, err := env.service.Cancel(ctx, &build.ServiceCancelParams{ID: buildID}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		env.worker.Errs[workerfake.CallAbort] = &worker.Fault{Op: "abort", Code: worker.FaultNotBuilding}

		if got, want := env.poll(t), pollInterval; got != want {
			t.Fatalf("got delay %v, want %v", got, want)
		}
	})

	t.Run("requeues a build the worker lost", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.poll(t)
		if err := env.worker.Clean(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		env.poll(t)

		b, _ := env.db.GetBuild(ctx, buildID)
		if got, want := b.Status, build.StatusNeedsBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := b.FailureCount, 1; got != want {
			t.Fatalf("got failure count %d, want %d", got, want)
		}
		qe, err := env.db.GetQueueEntryByBuild(ctx, buildID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if qe.BuilderID != nil {
			t.Fatalf("got builder %v, want the entry unassigned", qe.BuilderID)
		}
	})

	t.Run("backs off and then disables an unreachable builder", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.poll(t)
		env.worker.Errs[workerfake.CallStatus] = &worker.TransportError{Op: "status", Err: errors.New("connection refused")}

		for _, want := range []time.Duration{15 * time.Second, 30 * time.Second, 45 * time.Second, 60 * time.Second} {
			if got := env.poll(t); got != want {
				t.Fatalf("got delay %v, want %v", got, want)
			}
		}

		_, err := env.coordinator.PollBuilder(ctx, builderID)
		if !errors.Is(err, ErrBuilderInactive) {
			t.Fatalf("got %v, want %v", err, ErrBuilderInactive)
		}

		builder, _ := env.db.GetBuilder(ctx, builderID)
		if builder.Active {
			t.Fatalf("got an active builder, want it disabled")
		}
		if got, want := testutil.ToFloat64(env.metrics.builderFailures.WithLabelValues(builder.Name)), 5.0; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := env.status(t), build.StatusNeedsBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("resets failures once the builder answers", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.worker.Errs[workerfake.CallStatus] = &worker.TransportError{Op: "status", Err: errors.New("timeout")}
		env.poll(t)
		env.poll(t)
		delete(env.worker.Errs, workerfake.CallStatus)

		env.poll(t)

		builder, _ := env.db.GetBuilder(ctx, builderID)
		if got := builder.FailureCount; got != 0 {
			t.Fatalf("got failure count %d, want 0", got)
		}
	})

	t.Run("cleans a dirty idle builder before dispatching", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		builder, _ := env.db.GetBuilder(ctx, builderID)
		builder.CleanStatus = build.CleanStatusDirty
		env.db.AddBuilder(builder)

		env.poll(t)
		if got, want := env.status(t), build.StatusNeedsBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		env.poll(t)
		if got, want := env.status(t), build.StatusBuilding; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("passes over a build it can't dispatch", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.coordinator.maxFailures = 3
		env.addBlockedBuild()

		env.poll(t)
		if got, want := env.status(t), build.StatusBuilding; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		blocked, _ := env.db.GetBuild(ctx, blockedBuildID)
		if got, want := blocked.Status, build.StatusNeedsBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := blocked.FailureCount, 1; got != want {
			t.Fatalf("got failure count %d, want %d", got, want)
		}
		qe, err := env.db.GetQueueEntryByBuild(ctx, blockedBuildID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if qe.BuilderID != nil {
			t.Fatalf("got builder %v, want the entry unassigned", qe.BuilderID)
		}
	})

	t.Run("fails a build it can't dispatch too many times", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.coordinator.maxFailures = 1
		env.addBlockedBuild()

		env.poll(t)
		blocked, _ := env.db.GetBuild(ctx, blockedBuildID)
		if got, want := blocked.Status, build.StatusFailedToBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if _, err := env.db.GetQueueEntryByBuild(ctx, blockedBuildID); !errors.Is(err, build.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, build.ErrNotFound)
		}
		if got, want := env.status(t), build.StatusBuilding; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("follows a build whose start wasn't confirmed", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.coordinator.clients = func(b *build.Builder) worker.Client {
			return lostReplyWorker{env.worker}
		}

		if got, want := env.poll(t), 15*time.Second; got != want {
			t.Fatalf("got delay %v, want %v", got, want)
		}
		b, _ := env.db.GetBuild(ctx, buildID)
		if b.Status != build.StatusBuilding || b.BuilderID == nil || *b.BuilderID != builderID {
			t.Fatalf("got %s on %v, want %s on %v", b.Status, b.BuilderID, build.StatusBuilding, builderID)
		}

		env.coordinator.clients = func(b *build.Builder) worker.Client {
			return env.worker
		}
		env.poll(t)
		if got, want := env.status(t), build.StatusBuilding; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if calls := env.worker.Calls(); slices.Contains(calls, workerfake.CallAbort) {
			t.Fatalf("got %v, want no Abort call", calls)
		}

		env.worker.Finish(worker.BuildStatusPackageFail, nil, nil)
		env.poll(t)
		b, _ = env.db.GetBuild(ctx, buildID)
		if got, want := b.Status, build.StatusFailedToBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := b.FailureCount, 0; got != want {
			t.Fatalf("got failure count %d, want %d", got, want)
		}
	})

	t.Run("aborts a build nothing is assigned to", func(t *testing.T) {
		env := newTestEnv(t)
		env.worker.SetReport(worker.StatusReport{BuilderStatus: worker.BuilderStatusBuilding, BuildID: "LIVEFS-" + blockedBuildID.String()})

		env.poll(t)
		calls := env.worker.Calls()
		if !slices.Contains(calls, workerfake.CallAbort) {
			t.Fatalf("got %v, want an Abort call", calls)
		}
		if slices.Contains(calls, workerfake.CallBuild) {
			t.Fatalf("got %v, want no Build call", calls)
		}
		if got, want := env.status(t), build.StatusNeedsBuild; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("stops on an inactive builder", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		builder, _ := env.db.GetBuilder(ctx, builderID)
		builder.Active = false
		env.db.AddBuilder(builder)

		_, err := env.coordinator.PollBuilder(ctx, builderID)
		if !errors.Is(err, ErrBuilderInactive) {
			t.Fatalf("got %v, want %v", err, ErrBuilderInactive)
		}
	})
}

func TestRun(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- env.coordinator.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for env.status(t) != build.StatusBuilding {
		if time.Now().After(deadline) {
			t.Fatalf("got %q, want the build dispatched", env.status(t))
		}
		time.Sleep(pollInterval)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run didn't return after cancel")
	}
}

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name          string
		n             int
		wantDelay     time.Duration
		wantExhausted bool
	}{
		{name: "first", n: 1, wantDelay: 15 * time.Second},
		{name: "fourth", n: 4, wantDelay: 60 * time.Second},
		{name: "fifth", n: 5, wantDelay: 60 * time.Second, wantExhausted: true},
		{name: "zero", n: 0, wantDelay: 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Delay(tt.n); got != tt.wantDelay {
				t.Errorf("got %v, want %v", got, tt.wantDelay)
			}
			if got := policy.Exhausted(tt.n); got != tt.wantExhausted {
				t.Errorf("got %v, want %v", got, tt.wantExhausted)
			}
		})
	}

	t.Run("per job type", func(t *testing.T) {
		policies := RetryPolicies{
			Default:   policy,
			ByJobType: map[build.JobType]RetryPolicy{build.JobTypeLiveFS: {Delays: []time.Duration{time.Minute}, MaxAttempts: 2}},
		}
		if got, want := policies.For(build.JobTypeLiveFS).MaxAttempts, 2; got != want {
			t.Errorf("got %d, want %d", got, want)
		}
		if got, want := policies.For(build.JobTypeSnap).MaxAttempts, 5; got != want {
			t.Errorf("got %d, want %d", got, want)
		}
		if got, want := policies.For("").Delay(3), 45*time.Second; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/buildfarm/internal/behaviour"
	"github.com/k11v/buildfarm/internal/blobstore"
	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/build/buildpg"
	"github.com/k11v/buildfarm/internal/coordinator"
	"github.com/k11v/buildfarm/internal/dispatch"
	"github.com/k11v/buildfarm/internal/logtail"
	"github.com/k11v/buildfarm/internal/notify"
	"github.com/k11v/buildfarm/internal/postgresutil"
	"github.com/k11v/buildfarm/internal/reconcile"
	"github.com/k11v/buildfarm/internal/server"
	"github.com/k11v/buildfarm/internal/upload"
	"github.com/k11v/buildfarm/internal/worker"
	"github.com/k11v/buildfarm/internal/worker/workerhttp"
)

func main() {
	run := func() int {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		setupLogger(cfg.Development)

		if err = runCoordinator(ctx, cfg); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}

func setupLogger(development bool) {
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler))
}

func runCoordinator(ctx context.Context, cfg *config) error {
	policies, err := cfg.Coordinator.retryPolicies()
	if err != nil {
		return err
	}

	registry := behaviour.DefaultRegistry()
	if err = registry.Validate(); err != nil {
		return err
	}

	pool, err := postgresutil.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	db := buildpg.NewDatabase(pool)

	redisClient, err := logtail.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	defer closeWithLog(redisClient)
	logtails := logtail.NewCache(redisClient)

	blobs := blobstore.NewStore(&cfg.S3)
	notifier := notify.NewPublisher(cfg.AMQP.ConnectionString)

	deps := &behaviour.Deps{
		Database: db,
		Blobs:    blobs,
		Upload:   cfg.Upload,
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	service := build.NewService(db, notifier)
	dispatcher := dispatch.NewDispatcher(&dispatch.DispatcherParams{
		Database:     db,
		Registry:     registry,
		Deps:         deps,
		Metrics:      dispatch.NewMetrics(metricsRegistry),
		Notifier:     notifier,
		BuildURLBase: cfg.Coordinator.BuildURLBase,
	})
	reconciler := reconcile.NewReconciler(&reconcile.ReconcilerParams{
		Database: db,
		Registry: registry,
		Deps:     deps,
		Logs:     blobs,
		Logtails: logtails,
		Notifier: notifier,
	})
	uploads := upload.NewProcessor(&upload.ProcessorParams{
		Database:     db,
		Blobs:        blobs,
		IncomingRoot: cfg.Upload.IncomingRoot,
		Notifier:     notifier,
	})

	httpClient := &http.Client{}
	coord := coordinator.NewCoordinator(&coordinator.CoordinatorParams{
		Database:   db,
		Service:    service,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		Clients: func(b *build.Builder) worker.Client {
			return workerhttp.NewClient(b.URL, httpClient)
		},
		Uploads:          uploads,
		Metrics:          coordinator.NewMetrics(metricsRegistry),
		Policies:         policies,
		Timeouts:         cfg.Worker.timeouts(),
		PollInterval:     cfg.Coordinator.PollInterval,
		MaxBuildFailures: cfg.Coordinator.MaxBuildFailures,
	})

	srv := server.New(&cfg.Server, slog.Default(), &server.HandlerParams{
		Database: db,
		Service:  service,
		Gatherer: metricsRegistry,
		Logtails: logtails,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("starting coordinator")
		return coord.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutOrDefault())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func closeWithLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Default().Error("didn't close", "error", err)
	}
}

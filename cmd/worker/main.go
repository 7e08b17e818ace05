package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/k11v/buildfarm/internal/worker"
	"github.com/k11v/buildfarm/internal/worker/workerdocker"
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

		var handler slog.Handler
		if cfg.Development {
			handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		} else {
			handler = slog.NewJSONHandler(os.Stderr, nil)
		}
		slog.SetDefault(slog.New(handler))

		if err = runWorker(ctx, &cfg.Worker); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}

func runWorker(ctx context.Context, cfg *workerConfig) error {
	log := slog.Default().With("component", "worker")

	executor, err := workerdocker.NewDockerExecutor(cfg.Image)
	if err != nil {
		return err
	}
	backend, err := workerdocker.NewBackend(&workerdocker.BackendParams{
		Executor: executor,
		CacheDir: cfg.CacheDir,
		Log:      log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port())),
		Handler:           workerhttp.NewHandler(backend, log),
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout())
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Error("didn't shut down server", "error", err)
	}
	if err = backend.Abort(shutdownCtx); err != nil && !worker.IsFault(err, worker.FaultNotBuilding) {
		log.Error("didn't abort build", "error", err)
	}
	backend.Wait()

	return nil
}

package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/k11v/buildfarm/internal/worker"
	"github.com/k11v/buildfarm/internal/worker/workerfake"
)

// stuckClient never answers Status, even after its context is done.
type stuckClient struct {
	*workerfake.Worker
	release chan struct{}
}

func (c *stuckClient) Status(ctx context.Context) (*worker.StatusReport, error) {
	<-c.release
	return &worker.StatusReport{BuilderStatus: worker.BuilderStatusIdle}, nil
}

// lateClient answers after its context is done and signals when it has.
type lateClient struct {
	*workerfake.Worker
	delay    time.Duration
	answered chan struct{}
}

func (c *lateClient) Status(ctx context.Context) (*worker.StatusReport, error) {
	defer close(c.answered)
	time.Sleep(c.delay)
	return &worker.StatusReport{BuilderStatus: worker.BuilderStatusBuilding}, nil
}

func (c *lateClient) EnsurePresent(ctx context.Context, source *worker.FileSource) (bool, string, error) {
	defer close(c.answered)
	time.Sleep(c.delay)
	return true, "late", nil
}

func TestTimeoutClient(t *testing.T) {
	t.Run("gives up on a worker that doesn't answer", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		c := worker.NewTimeoutClient(&stuckClient{Worker: workerfake.New(), release: release}, worker.Timeouts{Status: 10 * time.Millisecond})

		_, err := c.Status(context.Background())
		if !worker.IsTransport(err) {
			t.Fatalf("got %v, want a transport error", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("got %v, want %v", err, context.DeadlineExceeded)
		}
	})

	t.Run("drops a late status answer", func(t *testing.T) {
		late := &lateClient{Worker: workerfake.New(), delay: 50 * time.Millisecond, answered: make(chan struct{})}
		c := worker.NewTimeoutClient(late, worker.Timeouts{Status: 5 * time.Millisecond})

		report, err := c.Status(context.Background())
		if !worker.IsTransport(err) {
			t.Fatalf("got %v, want a transport error", err)
		}
		<-late.answered
		if report != nil {
			t.Fatalf("got %+v, want no report", report)
		}
	})

	t.Run("drops a late presence answer", func(t *testing.T) {
		late := &lateClient{Worker: workerfake.New(), delay: 50 * time.Millisecond, answered: make(chan struct{})}
		c := worker.NewTimeoutClient(late, worker.Timeouts{EnsurePresent: 5 * time.Millisecond})

		present, info, err := c.EnsurePresent(context.Background(), &worker.FileSource{Digest: "abc"})
		if !worker.IsTransport(err) {
			t.Fatalf("got %v, want a transport error", err)
		}
		<-late.answered
		if present || info != "" {
			t.Fatalf("got present=%v info=%q, want false and empty", present, info)
		}
	})

	t.Run("passes faults through", func(t *testing.T) {
		c := worker.NewTimeoutClient(workerfake.New(), worker.DefaultTimeouts())

		err := c.Abort(context.Background())
		if !worker.IsFault(err, worker.FaultNotBuilding) {
			t.Fatalf("got %v, want a %q fault", err, worker.FaultNotBuilding)
		}
	})

	t.Run("doesn't limit calls without a timeout", func(t *testing.T) {
		c := worker.NewTimeoutClient(workerfake.New(), worker.Timeouts{})

		report, err := c.Status(context.Background())
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := report.BuilderStatus, worker.BuilderStatusIdle; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestIsFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{"matches the code", &worker.Fault{Code: worker.FaultBusy}, worker.FaultBusy, true},
		{"matches any code", &worker.Fault{Code: worker.FaultBusy}, "", true},
		{"doesn't match another code", &worker.Fault{Code: worker.FaultBusy}, worker.FaultNotBuilding, false},
		{"doesn't match a transport error", &worker.TransportError{Op: "status", Err: errors.New("reset")}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := worker.IsFault(tt.err, tt.code); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

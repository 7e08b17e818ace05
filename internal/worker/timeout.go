package worker

import (
	"context"
	"errors"
	"time"
)

type Timeouts struct {
	Status        time.Duration
	Build         time.Duration
	EnsurePresent time.Duration
	GetFiles      time.Duration
	Abort         time.Duration
	Clean         time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Status:        30 * time.Second,
		Build:         30 * time.Second,
		EnsurePresent: 5 * time.Minute,
		GetFiles:      30 * time.Minute,
		Abort:         30 * time.Second,
		Clean:         5 * time.Minute,
	}
}

var _ Client = (*TimeoutClient)(nil)

// TimeoutClient gives every call its own deadline. A call that runs past
// it is reported as a TransportError.
type TimeoutClient struct {
	Client   Client   // required
	Timeouts Timeouts // zero durations mean no deadline
}

func NewTimeoutClient(c Client, timeouts Timeouts) *TimeoutClient {
	return &TimeoutClient{Client: c, Timeouts: timeouts}
}

func (c *TimeoutClient) Status(ctx context.Context) (*StatusReport, error) {
	return withDeadline(ctx, "status", c.Timeouts.Status, c.Client.Status)
}

func (c *TimeoutClient) Build(ctx context.Context, params *BuildParams) (*BuildResult, error) {
	return withDeadline(ctx, "build", c.Timeouts.Build, func(ctx context.Context) (*BuildResult, error) {
		return c.Client.Build(ctx, params)
	})
}

type presence struct {
	present bool
	info    string
}

func (c *TimeoutClient) EnsurePresent(ctx context.Context, source *FileSource) (bool, string, error) {
	p, err := withDeadline(ctx, "ensurepresent", c.Timeouts.EnsurePresent, func(ctx context.Context) (presence, error) {
		present, info, err := c.Client.EnsurePresent(ctx, source)
		return presence{present: present, info: info}, err
	})
	return p.present, p.info, err
}

func (c *TimeoutClient) GetFiles(ctx context.Context, requests []FileRequest) error {
	_, err := withDeadline(ctx, "getfiles", c.Timeouts.GetFiles, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Client.GetFiles(ctx, requests)
	})
	return err
}

func (c *TimeoutClient) Abort(ctx context.Context) error {
	_, err := withDeadline(ctx, "abort", c.Timeouts.Abort, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Client.Abort(ctx)
	})
	return err
}

func (c *TimeoutClient) Clean(ctx context.Context) error {
	_, err := withDeadline(ctx, "clean", c.Timeouts.Clean, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Client.Clean(ctx)
	})
	return err
}

type callResult[T any] struct {
	value T
	err   error
}

// withDeadline runs f in its own goroutine so that a client ignoring ctx
// still can't hold the caller past the deadline. The goroutine only ever
// hands its result over the channel, so a late answer is dropped.
func withDeadline[T any](ctx context.Context, op string, timeout time.Duration, f func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return f(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		v, err := f(ctx)
		done <- callResult[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !IsTransport(r.err) {
			return r.value, &TransportError{Op: op, Err: r.err}
		}
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, &TransportError{Op: op, Err: ctx.Err()}
	}
}

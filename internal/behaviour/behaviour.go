// Package behaviour holds what differs between job types: the arguments
// and files a build needs and what happens when it succeeds.
package behaviour

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/worker"
)

var (
	ErrSuperseded       = errors.New("source superseded")
	ErrInvalidArguments = errors.New("invalid build arguments")
	ErrUnknownJobType   = errors.New("unknown job type")
)

type Behaviour interface {
	JobType() build.JobType

	// ImageTypes lists the chroot image types the job can run in,
	// most preferred first.
	ImageTypes() []string

	ComposeExtraArgs(ctx context.Context, b *build.Build) (map[string]any, error)

	// DetermineFilesToSend returns the files the worker needs besides the
	// chroot, keyed by the name they get in the build tree.
	DetermineFilesToSend(ctx context.Context, b *build.Build) (map[string]worker.FileSource, error)

	// VerifySuccessfulBuild returns ErrSuperseded if the build's result
	// is no longer wanted.
	VerifySuccessfulBuild(ctx context.Context, b *build.Build) error

	// HandleSuccess gathers the outputs of a build the worker reported OK
	// and returns the status the build should end up in.
	HandleSuccess(ctx context.Context, params *SuccessParams) (build.Status, error)
}

type SuccessParams struct {
	Build  *build.Build         // required
	Report *worker.StatusReport // required
	Client worker.Client        // required
	Log    *slog.Logger         // optional
}

// Presigner hands out URLs a worker can fetch blobs from.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type UploadConfig struct {
	StagingRoot  string `env:"STAGING_ROOT,required"`
	IncomingRoot string `env:"INCOMING_ROOT,required"`
}

type Deps struct {
	Database build.Database // required
	Blobs    Presigner      // required by job types that send files
	Upload   UploadConfig
	Now      func() time.Time // optional
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

type Factory func(deps *Deps) Behaviour

type Registry struct {
	factories map[build.JobType]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[build.JobType]Factory)}
}

// DefaultRegistry knows every job type in build.JobTypes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(build.JobTypeBinaryPackage, NewBinaryPackage)
	r.Register(build.JobTypeLiveFS, NewLiveFS)
	r.Register(build.JobTypeSnap, NewSnap)
	r.Register(build.JobTypeRock, NewRock)
	r.Register(build.JobTypeCharm, NewCharm)
	return r
}

func (r *Registry) Register(jobType build.JobType, f Factory) {
	r.factories[jobType] = f
}

// Validate reports job types that can be queued but have no behaviour.
func (r *Registry) Validate() error {
	var errs []error
	for _, jobType := range build.JobTypes() {
		if _, ok := r.factories[jobType]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s isn't registered", ErrUnknownJobType, jobType))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) New(jobType build.JobType, deps *Deps) (Behaviour, error) {
	f, ok := r.factories[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return f(deps), nil
}

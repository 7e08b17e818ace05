// Package worker defines the protocol spoken between the coordinator and
// the build worker running on each builder.
package worker

import (
	"context"
	"errors"
	"fmt"
)

type BuilderStatus string

const (
	BuilderStatusIdle     BuilderStatus = "IDLE"
	BuilderStatusBuilding BuilderStatus = "BUILDING"
	BuilderStatusWaiting  BuilderStatus = "WAITING"
	BuilderStatusAborting BuilderStatus = "ABORTING"
)

// BuildStatus is the worker's own verdict, only meaningful while WAITING.
// Job types may report values outside the constants below.
type BuildStatus string

const (
	BuildStatusOK          BuildStatus = "OK"
	BuildStatusPackageFail BuildStatus = "PACKAGEFAIL"
	BuildStatusDepFail     BuildStatus = "DEPFAIL"
	BuildStatusChrootFail  BuildStatus = "CHROOTFAIL"
	BuildStatusAborted     BuildStatus = "ABORTED"
	BuildStatusGivenBack   BuildStatus = "GIVENBACK"
)

type StatusReport struct {
	BuilderStatus BuilderStatus     `json:"builder_status"`
	BuildID       string            `json:"build_id,omitempty"`
	BuildStatus   BuildStatus       `json:"build_status,omitempty"`
	FileMap       map[string]string `json:"filemap,omitempty"` // filename to digest
	Dependencies  *string           `json:"dependencies,omitempty"`
	Logtail       string            `json:"logtail,omitempty"`
	RevisionID    string            `json:"revision_id,omitempty"`
}

// FileSource tells the worker where to fetch a file it doesn't have yet.
type FileSource struct {
	Digest   string `json:"digest"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type BuildParams struct {
	BuildID      string            `json:"build_id"`
	JobType      string            `json:"job_type"`
	ChrootDigest string            `json:"chroot_digest"`
	Files        map[string]string `json:"files"` // filename to digest
	Args         map[string]any    `json:"args"`
}

type BuildResult struct {
	Status  string `json:"status"`
	BuildID string `json:"build_id"`
}

type FileRequest struct {
	Digest string
	Path   string
}

// Client is the coordinator's view of a single worker.
type Client interface {
	// Status returns the worker's current state without waiting for anything.
	Status(ctx context.Context) (*StatusReport, error)

	// Build asks the worker to start a build. The worker runs it
	// asynchronously and only starts after the call has returned.
	Build(ctx context.Context, params *BuildParams) (*BuildResult, error)

	// EnsurePresent makes the worker fetch the file unless it already has it.
	EnsurePresent(ctx context.Context, source *FileSource) (present bool, info string, err error)

	// GetFiles copies files from the worker's cache to local paths.
	GetFiles(ctx context.Context, requests []FileRequest) error

	Abort(ctx context.Context) error
	Clean(ctx context.Context) error
}

const (
	FaultNotBuilding   = "not-building"
	FaultBusy          = "busy"
	FaultUnknownFile   = "unknown-file"
	FaultBadRequest    = "bad-request"
	FaultFetchFailed   = "fetch-failed"
	FaultInternal      = "internal"
	FaultUnknownChroot = "unknown-chroot"
)

// Fault is an application-level rejection from a worker that was reachable.
type Fault struct {
	Op      string
	Code    string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("worker %s: %s: %s", f.Op, f.Code, f.Message)
}

// TransportError means the call's outcome is unknown: the worker may or
// may not have acted on it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BuildDaemonError means the worker said something it shouldn't have,
// e.g. an unknown build status or a file name escaping its directory.
type BuildDaemonError struct {
	BuildCookie string
	Message     string
}

func (e *BuildDaemonError) Error() string {
	return fmt.Sprintf("build daemon error for %s: %s", e.BuildCookie, e.Message)
}

func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsFault reports whether err is a Fault with the given code.
// An empty code matches any fault.
func IsFault(err error, code string) bool {
	var fault *Fault
	if !errors.As(err, &fault) {
		return false
	}
	return code == "" || fault.Code == code
}

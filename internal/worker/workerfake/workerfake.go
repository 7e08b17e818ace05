// Package workerfake provides an in-memory worker for tests and local dry-runs.
package workerfake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/k11v/buildfarm/internal/worker"
)

const (
	CallStatus        = "Status"
	CallBuild         = "Build"
	CallEnsurePresent = "EnsurePresent"
	CallGetFiles      = "GetFiles"
	CallAbort         = "Abort"
	CallClean         = "Clean"
	CallOpenFile      = "OpenFile"
)

var _ worker.Client = (*Worker)(nil)

// Worker follows the real worker's state machine closely enough for the
// coordinator: Build moves it to BUILDING, Finish to WAITING, Abort to
// WAITING with ABORTED and Clean back to IDLE.
type Worker struct {
	mu sync.Mutex

	calls  []string
	report worker.StatusReport
	files  map[string][]byte // digest to content

	// Errs makes the named call fail with the given error.
	Errs map[string]error

	// BuildParams and Fetched record the arguments of every Build and
	// EnsurePresent call.
	BuildParams []*worker.BuildParams
	Fetched     []*worker.FileSource
}

func New() *Worker {
	return &Worker{
		report: worker.StatusReport{BuilderStatus: worker.BuilderStatusIdle},
		files:  make(map[string][]byte),
		Errs:   make(map[string]error),
	}
}

func (w *Worker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.calls)
}

// AddFile puts content in the worker's cache under digest.
func (w *Worker) AddFile(digest string, content []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[digest] = content
}

// SetReport replaces what the next Status call returns.
func (w *Worker) SetReport(report worker.StatusReport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.report = report
}

// Finish ends the current build with the given verdict and produced files.
func (w *Worker) Finish(status worker.BuildStatus, files map[string][]byte, dependencies *string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fileMap := make(map[string]string, len(files))
	for name, content := range files {
		digest := fmt.Sprintf("%s-%s", w.report.BuildID, name)
		w.files[digest] = content
		fileMap[name] = digest
	}
	w.files["buildlog"] = []byte("log for " + w.report.BuildID)

	w.report.BuilderStatus = worker.BuilderStatusWaiting
	w.report.BuildStatus = status
	w.report.FileMap = fileMap
	w.report.Dependencies = dependencies
}

func (w *Worker) record(call string) error {
	w.calls = append(w.calls, call)
	return w.Errs[call]
}

// Status implements worker.Client.
func (w *Worker) Status(ctx context.Context) (*worker.StatusReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.record(CallStatus); err != nil {
		return nil, err
	}
	report := w.report
	return &report, nil
}

// Build implements worker.Client.
func (w *Worker) Build(ctx context.Context, params *worker.BuildParams) (*worker.BuildResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.record(CallBuild); err != nil {
		return nil, err
	}
	w.BuildParams = append(w.BuildParams, params)

	if w.report.BuilderStatus != worker.BuilderStatusIdle {
		return nil, &worker.Fault{Op: "build", Code: worker.FaultBusy, Message: "worker isn't idle"}
	}
	if _, ok := w.files[params.ChrootDigest]; !ok {
		return nil, &worker.Fault{Op: "build", Code: worker.FaultUnknownChroot, Message: "chroot isn't present"}
	}

	w.report = worker.StatusReport{BuilderStatus: worker.BuilderStatusBuilding, BuildID: params.BuildID}
	return &worker.BuildResult{Status: string(worker.BuilderStatusBuilding), BuildID: params.BuildID}, nil
}

// EnsurePresent implements worker.Client.
func (w *Worker) EnsurePresent(ctx context.Context, source *worker.FileSource) (bool, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.record(CallEnsurePresent); err != nil {
		return false, "", err
	}
	w.Fetched = append(w.Fetched, source)

	if _, ok := w.files[source.Digest]; ok {
		return true, "already present", nil
	}
	w.files[source.Digest] = []byte(source.URL)
	return true, "fetched", nil
}

// GetFiles implements worker.Client.
func (w *Worker) GetFiles(ctx context.Context, requests []worker.FileRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.record(CallGetFiles); err != nil {
		return err
	}
	for _, r := range requests {
		content, ok := w.files[r.Digest]
		if !ok {
			return &worker.Fault{Op: "getfiles", Code: worker.FaultUnknownFile, Message: r.Digest}
		}
		if err := os.WriteFile(r.Path, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Abort implements worker.Client.
func (w *Worker) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.record(CallAbort); err != nil {
		return err
	}
	if w.report.BuilderStatus != worker.BuilderStatusBuilding {
		return &worker.Fault{Op: "abort", Code: worker.FaultNotBuilding, Message: "worker isn't building"}
	}
	w.report.BuilderStatus = worker.BuilderStatusWaiting
	w.report.BuildStatus = worker.BuildStatusAborted
	w.files["buildlog"] = []byte("aborted " + w.report.BuildID)
	return nil
}

// Clean implements worker.Client.
func (w *Worker) Clean(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.record(CallClean); err != nil {
		return err
	}
	w.report = worker.StatusReport{BuilderStatus: worker.BuilderStatusIdle}
	return nil
}

// OpenFile lets Worker back a workerhttp.Handler.
func (w *Worker) OpenFile(ctx context.Context, digest string) (io.ReadCloser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.record(CallOpenFile); err != nil {
		return nil, err
	}
	content, ok := w.files[digest]
	if !ok {
		return nil, &worker.Fault{Op: "getfiles", Code: worker.FaultUnknownFile, Message: digest}
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

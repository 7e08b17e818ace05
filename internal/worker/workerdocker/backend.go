// Package workerdocker is the worker side of the protocol: it keeps a
// content-addressed file cache and runs builds in Docker containers.
package workerdocker

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/k11v/buildfarm/internal/worker"
)

const (
	exitCodeOK          = 0
	exitCodePackageFail = 1
	exitCodeDepFail     = 2
	exitCodeChrootFail  = 3
)

// BuildLogDigest is the cache name of the last build's log.
const BuildLogDigest = "buildlog"

const logtailSize = 2048

type Backend struct {
	executor   Executor     // required
	httpClient *http.Client // required
	cacheDir   string       // required
	log        *slog.Logger

	mu       sync.Mutex
	report   worker.StatusReport
	cancel   context.CancelFunc
	tail     *tailBuffer
	produced []string // digests to drop on Clean
	done     chan struct{}
}

type BackendParams struct {
	Executor   Executor     // required
	HTTPClient *http.Client // optional
	CacheDir   string       // required
	Log        *slog.Logger // optional
}

func NewBackend(params *BackendParams) (*Backend, error) {
	if err := os.MkdirAll(params.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("workerdocker.Backend: %w", err)
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log := params.Log
	if log == nil {
		log = slog.Default()
	}

	return &Backend{
		executor:   params.Executor,
		httpClient: httpClient,
		cacheDir:   params.CacheDir,
		log:        log.With("component", "workerdocker"),
		report:     worker.StatusReport{BuilderStatus: worker.BuilderStatusIdle},
		tail:       newTailBuffer(logtailSize),
	}, nil
}

func (b *Backend) Status(ctx context.Context) (*worker.StatusReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := b.report
	report.Logtail = b.tail.String()
	return &report, nil
}

func (b *Backend) EnsurePresent(ctx context.Context, source *worker.FileSource) (bool, string, error) {
	if !validDigest(source.Digest) {
		return false, "", &worker.Fault{Op: "ensurepresent", Code: worker.FaultBadRequest, Message: "invalid digest"}
	}

	target := filepath.Join(b.cacheDir, source.Digest)
	if _, err := os.Stat(target); err == nil {
		return true, "already present", nil
	}
	if source.URL == "" {
		return false, "no url to fetch from", nil
	}

	if err := b.fetch(ctx, source, target); err != nil {
		b.log.Warn("didn't fetch file", "digest", source.Digest, "error", err)
		return false, "", &worker.Fault{Op: "ensurepresent", Code: worker.FaultFetchFailed, Message: err.Error()}
	}
	return true, "fetched", nil
}

func (b *Backend) fetch(ctx context.Context, source *worker.FileSource, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return err
	}
	if source.Username != "" {
		req.SetBasicAuth(source.Username, source.Password)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer closeWithLog(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("got %s", resp.Status)
	}

	tmp, err := os.CreateTemp(b.cacheDir, ".fetch-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	h := sha1.New()
	_, copyErr := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	if got, want := hex.EncodeToString(h.Sum(nil)), source.Digest; got != want {
		return fmt.Errorf("got digest %s, want %s", got, want)
	}
	return os.Rename(tmp.Name(), target)
}

func (b *Backend) Build(ctx context.Context, params *worker.BuildParams) (*worker.BuildResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.report.BuilderStatus != worker.BuilderStatusIdle {
		return nil, &worker.Fault{Op: "build", Code: worker.FaultBusy, Message: fmt.Sprintf("worker is %s", b.report.BuilderStatus)}
	}
	if !b.has(params.ChrootDigest) {
		return nil, &worker.Fault{Op: "build", Code: worker.FaultUnknownChroot, Message: params.ChrootDigest}
	}

	inputs := map[string]string{"chroot.tar.gz": filepath.Join(b.cacheDir, params.ChrootDigest)}
	for name, digest := range params.Files {
		if !b.has(digest) {
			return nil, &worker.Fault{Op: "build", Code: worker.FaultUnknownFile, Message: digest}
		}
		inputs[name] = filepath.Join(b.cacheDir, digest)
	}

	outputDir, err := os.MkdirTemp("", "buildfarm-output-")
	if err != nil {
		return nil, fmt.Errorf("workerdocker.Backend: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.tail.Reset()
	b.report = worker.StatusReport{BuilderStatus: worker.BuilderStatusBuilding, BuildID: params.BuildID}

	go b.run(runCtx, b.done, &ExecuteParams{
		BuildID:   params.BuildID,
		JobType:   params.JobType,
		Inputs:    inputs,
		Args:      params.Args,
		OutputDir: outputDir,
	})

	return &worker.BuildResult{Status: string(worker.BuilderStatusBuilding), BuildID: params.BuildID}, nil
}

func (b *Backend) run(ctx context.Context, done chan<- struct{}, params *ExecuteParams) {
	defer close(done)
	defer func() {
		_ = os.RemoveAll(params.OutputDir)
	}()

	var logBuf bytes.Buffer
	params.Log = io.MultiWriter(&logBuf, b.tail)

	execErr := b.executor.Execute(ctx, params)

	status, err := buildStatusFromError(ctx, execErr)
	if err != nil {
		b.log.Error("didn't execute build", "build_id", params.BuildID, "error", err)
		_, _ = fmt.Fprintf(params.Log, "error: %v\n", err)
	}

	var fileMap map[string]string
	var produced []string
	if status == worker.BuildStatusOK {
		fileMap, produced, err = b.collect(params.OutputDir)
		if err != nil {
			b.log.Error("didn't collect outputs", "build_id", params.BuildID, "error", err)
			status = worker.BuildStatusGivenBack
		}
	}

	var dependencies *string
	if status == worker.BuildStatusDepFail {
		deps := lastLine(logBuf.String())
		dependencies = &deps
	}

	if err = os.WriteFile(filepath.Join(b.cacheDir, BuildLogDigest), logBuf.Bytes(), 0o644); err != nil {
		b.log.Error("didn't store build log", "build_id", params.BuildID, "error", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel = nil
	b.produced = append(b.produced, produced...)
	b.report = worker.StatusReport{
		BuilderStatus: worker.BuilderStatusWaiting,
		BuildID:       params.BuildID,
		BuildStatus:   status,
		FileMap:       fileMap,
		Dependencies:  dependencies,
	}
}

// buildStatusFromError maps the executor's outcome to the worker's verdict.
// The returned error is set when the build couldn't be run at all.
func buildStatusFromError(ctx context.Context, err error) (worker.BuildStatus, error) {
	if ctx.Err() != nil {
		return worker.BuildStatusAborted, nil
	}
	if err == nil {
		return worker.BuildStatusOK, nil
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return worker.BuildStatusGivenBack, err
	}
	switch exitErr.ExitCode {
	case exitCodeOK:
		return worker.BuildStatusOK, nil
	case exitCodeDepFail:
		return worker.BuildStatusDepFail, nil
	case exitCodeChrootFail:
		return worker.BuildStatusChrootFail, nil
	default:
		return worker.BuildStatusPackageFail, nil
	}
}

// collect moves outputs into the cache and returns their names and digests.
func (b *Backend) collect(outputDir string) (map[string]string, []string, error) {
	fileMap := make(map[string]string)
	var produced []string

	err := filepath.WalkDir(outputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		digest, err := fileDigest(p)
		if err != nil {
			return err
		}
		if err = os.Rename(p, filepath.Join(b.cacheDir, digest)); err != nil {
			return err
		}

		name, err := filepath.Rel(outputDir, p)
		if err != nil {
			return err
		}
		fileMap[filepath.ToSlash(name)] = digest
		produced = append(produced, digest)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return fileMap, produced, nil
}

func (b *Backend) Abort(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.report.BuilderStatus != worker.BuilderStatusBuilding {
		return &worker.Fault{Op: "abort", Code: worker.FaultNotBuilding, Message: fmt.Sprintf("worker is %s", b.report.BuilderStatus)}
	}
	b.report.BuilderStatus = worker.BuilderStatusAborting
	b.cancel()
	return nil
}

func (b *Backend) Clean(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.report.BuilderStatus {
	case worker.BuilderStatusBuilding, worker.BuilderStatusAborting:
		return &worker.Fault{Op: "clean", Code: worker.FaultBusy, Message: fmt.Sprintf("worker is %s", b.report.BuilderStatus)}
	}

	for _, digest := range append(b.produced, BuildLogDigest) {
		err := os.Remove(filepath.Join(b.cacheDir, digest))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("workerdocker.Backend: %w", err)
		}
	}
	b.produced = nil
	b.tail.Reset()
	b.report = worker.StatusReport{BuilderStatus: worker.BuilderStatusIdle}
	return nil
}

func (b *Backend) OpenFile(ctx context.Context, digest string) (io.ReadCloser, error) {
	if !validDigest(digest) {
		return nil, &worker.Fault{Op: "getfiles", Code: worker.FaultBadRequest, Message: "invalid digest"}
	}
	f, err := os.Open(filepath.Join(b.cacheDir, digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &worker.Fault{Op: "getfiles", Code: worker.FaultUnknownFile, Message: digest}
	}
	if err != nil {
		return nil, fmt.Errorf("workerdocker.Backend: %w", err)
	}
	return f, nil
}

// Wait blocks until the current build, if any, has finished.
func (b *Backend) Wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (b *Backend) has(digest string) bool {
	if !validDigest(digest) {
		return false
	}
	_, err := os.Stat(filepath.Join(b.cacheDir, digest))
	return err == nil
}

// validDigest accepts any single path element so that the cache can't be
// escaped.
func validDigest(digest string) bool {
	return digest != "" && digest != "." && digest != ".." && !strings.ContainsAny(digest, `/\`)
}

func fileDigest(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer closeWithLog(f)

	h := sha1.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// tailBuffer keeps the last size bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *tailBuffer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = t.buf[:0]
}

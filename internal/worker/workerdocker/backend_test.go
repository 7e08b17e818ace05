package workerdocker

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/k11v/buildfarm/internal/worker"
)

// fakeExecutor writes outputs and log lines and exits with a fixed code.
// With block set it waits for the context instead.
type fakeExecutor struct {
	outputs  map[string]string
	log      string
	exitCode int
	block    bool
}

func (e *fakeExecutor) Execute(ctx context.Context, params *ExecuteParams) error {
	_, _ = io.WriteString(params.Log, e.log)
	if e.block {
		<-ctx.Done()
		return ctx.Err()
	}
	for name, content := range e.outputs {
		p := filepath.Join(params.OutputDir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	if e.exitCode != 0 {
		return &ExitError{ExitCode: e.exitCode}
	}
	return nil
}

func digestOf(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func newTestBackend(t *testing.T, executor Executor) *Backend {
	t.Helper()

	b, err := NewBackend(&BackendParams{Executor: executor, CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err = os.WriteFile(filepath.Join(b.cacheDir, digestOf("chroot")), []byte("chroot"), 0o644); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return b
}

func TestBackend(t *testing.T) {
	tests := []struct {
		name     string
		executor *fakeExecutor
		want     *worker.StatusReport
	}{
		{
			name:     "reports outputs of a successful build",
			executor: &fakeExecutor{outputs: map[string]string{"hello.snap": "snap"}},
			want: &worker.StatusReport{
				BuilderStatus: worker.BuilderStatusWaiting,
				BuildID:       "SNAP-1",
				BuildStatus:   worker.BuildStatusOK,
				FileMap:       map[string]string{"hello.snap": digestOf("snap")},
			},
		},
		{
			name:     "reports missing dependencies from the last log line",
			executor: &fakeExecutor{log: "resolving\nlibfoo-dev (>= 1.2)\n", exitCode: exitCodeDepFail},
			want: &worker.StatusReport{
				BuilderStatus: worker.BuilderStatusWaiting,
				BuildID:       "SNAP-1",
				BuildStatus:   worker.BuildStatusDepFail,
				Dependencies:  ptr("libfoo-dev (>= 1.2)"),
			},
		},
		{
			name:     "reports a broken chroot",
			executor: &fakeExecutor{exitCode: exitCodeChrootFail},
			want: &worker.StatusReport{
				BuilderStatus: worker.BuilderStatusWaiting,
				BuildID:       "SNAP-1",
				BuildStatus:   worker.BuildStatusChrootFail,
			},
		},
		{
			name:     "reports any other exit code as a package failure",
			executor: &fakeExecutor{exitCode: 42},
			want: &worker.StatusReport{
				BuilderStatus: worker.BuilderStatusWaiting,
				BuildID:       "SNAP-1",
				BuildStatus:   worker.BuildStatusPackageFail,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := newTestBackend(t, tt.executor)

			_, err := b.Build(ctx, &worker.BuildParams{BuildID: "SNAP-1", JobType: "snap", ChrootDigest: digestOf("chroot")})
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			b.Wait()

			got, err := b.Status(ctx)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			got.Logtail = ""
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBackendAbort(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, &fakeExecutor{log: "building\n", block: true})

	if err := b.Abort(ctx); !worker.IsFault(err, worker.FaultNotBuilding) {
		t.Fatalf("got %v, want a %q fault", err, worker.FaultNotBuilding)
	}

	_, err := b.Build(ctx, &worker.BuildParams{BuildID: "SNAP-1", JobType: "snap", ChrootDigest: digestOf("chroot")})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	_, err = b.Build(ctx, &worker.BuildParams{BuildID: "SNAP-2", JobType: "snap", ChrootDigest: digestOf("chroot")})
	if !worker.IsFault(err, worker.FaultBusy) {
		t.Fatalf("got %v, want a %q fault", err, worker.FaultBusy)
	}

	if err = b.Abort(ctx); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	b.Wait()

	report, err := b.Status(ctx)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := report.BuildStatus, worker.BuildStatusAborted; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	rc, err := b.OpenFile(ctx, BuildLogDigest)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	log, _ := io.ReadAll(rc)
	_ = rc.Close()
	if got, want := string(log), "building\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if err = b.Clean(ctx); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err = b.OpenFile(ctx, BuildLogDigest); !worker.IsFault(err, worker.FaultUnknownFile) {
		t.Fatalf("got %v, want a %q fault", err, worker.FaultUnknownFile)
	}
}

func TestBackendEnsurePresent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "buildd" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "source")
	}))
	t.Cleanup(server.Close)

	tests := []struct {
		name      string
		source    *worker.FileSource
		want      bool
		wantFault string
	}{
		{
			name:   "fetches with credentials",
			source: &worker.FileSource{Digest: digestOf("source"), URL: server.URL, Username: "buildd", Password: "secret"},
			want:   true,
		},
		{
			name:   "doesn't fetch what it has",
			source: &worker.FileSource{Digest: digestOf("chroot")},
			want:   true,
		},
		{
			name:      "rejects content with another digest",
			source:    &worker.FileSource{Digest: digestOf("other"), URL: server.URL, Username: "buildd", Password: "secret"},
			wantFault: worker.FaultFetchFailed,
		},
		{
			name:      "rejects a digest that leaves the cache",
			source:    &worker.FileSource{Digest: "../etc/passwd", URL: server.URL},
			wantFault: worker.FaultBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := newTestBackend(t, &fakeExecutor{})

			got, _, err := b.EnsurePresent(ctx, tt.source)
			if tt.wantFault != "" {
				if !worker.IsFault(err, tt.wantFault) {
					t.Fatalf("got %v, want a %q fault", err, tt.wantFault)
				}
				return
			}
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadOutputTar(t *testing.T) {
	tarOf := func(t *testing.T, name string) io.Reader {
		t.Helper()
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: 2}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		_, _ = tw.Write([]byte("ok"))
		_ = tw.Close()
		return &buf
	}

	t.Run("unpacks nested files", func(t *testing.T) {
		dir := t.TempDir()
		if err := readOutputTar(tarOf(t, "./dist/hello.snap"), dir); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "dist", "hello.snap")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("refuses files outside the directory", func(t *testing.T) {
		dir := t.TempDir()
		err := readOutputTar(tarOf(t, "../escaped"), dir)
		if err == nil {
			t.Fatal("got no error, want one")
		}
	})
}

func ptr[T any](v T) *T {
	return &v
}

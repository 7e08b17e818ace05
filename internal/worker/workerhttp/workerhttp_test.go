package workerhttp

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/k11v/buildfarm/internal/worker"
	"github.com/k11v/buildfarm/internal/worker/workerfake"
)

const chrootDigest = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

func newTestClient(t *testing.T) (*Client, *workerfake.Worker) {
	t.Helper()

	backend := workerfake.New()
	server := httptest.NewServer(NewHandler(backend, slog.Default()))
	t.Cleanup(server.Close)

	return NewClient(server.URL, server.Client()), backend
}

func TestClient(t *testing.T) {
	t.Run("runs a build through its lifecycle", func(t *testing.T) {
		ctx := context.Background()
		client, backend := newTestClient(t)

		present, _, err := client.EnsurePresent(ctx, &worker.FileSource{Digest: chrootDigest, URL: "http://blobs/chroot"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !present {
			t.Fatal("got not present, want present")
		}

		result, err := client.Build(ctx, &worker.BuildParams{
			BuildID:      "SNAP-1",
			JobType:      "snap",
			ChrootDigest: chrootDigest,
			Args:         map[string]any{"name": "hello", "private": false},
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := result.BuildID, "SNAP-1"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		deps := "libc6 (>= 2.39)"
		backend.Finish(worker.BuildStatusDepFail, map[string][]byte{"hello.snap": []byte("snap")}, &deps)

		report, err := client.Status(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := &worker.StatusReport{
			BuilderStatus: worker.BuilderStatusWaiting,
			BuildID:       "SNAP-1",
			BuildStatus:   worker.BuildStatusDepFail,
			FileMap:       map[string]string{"hello.snap": "SNAP-1-hello.snap"},
			Dependencies:  &deps,
		}
		if diff := cmp.Diff(want, report); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}

		path := filepath.Join(t.TempDir(), "hello.snap")
		if err = client.GetFiles(ctx, []worker.FileRequest{{Digest: "SNAP-1-hello.snap", Path: path}}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := string(content), "snap"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		if err = client.Clean(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		report, err = client.Status(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := report.BuilderStatus, worker.BuilderStatusIdle; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("reports a rejection as a fault", func(t *testing.T) {
		ctx := context.Background()
		client, _ := newTestClient(t)

		err := client.Abort(ctx)
		if !worker.IsFault(err, worker.FaultNotBuilding) {
			t.Fatalf("got %v, want a %q fault", err, worker.FaultNotBuilding)
		}
		if worker.IsTransport(err) {
			t.Fatalf("got transport error %v, want a fault", err)
		}
	})

	t.Run("reports a missing file as a fault", func(t *testing.T) {
		ctx := context.Background()
		client, _ := newTestClient(t)

		err := client.GetFiles(ctx, []worker.FileRequest{{Digest: "missing", Path: filepath.Join(t.TempDir(), "x")}})
		if !worker.IsFault(err, worker.FaultUnknownFile) {
			t.Fatalf("got %v, want a %q fault", err, worker.FaultUnknownFile)
		}
	})

	t.Run("leaves nothing behind on a broken transfer", func(t *testing.T) {
		ctx := context.Background()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("partial"))
		}))
		t.Cleanup(server.Close)

		dir := t.TempDir()
		path := filepath.Join(dir, "buildlog.txt")
		err := NewClient(server.URL, server.Client()).GetFiles(ctx, []worker.FileRequest{{Digest: "abc", Path: path}})
		if !worker.IsTransport(err) {
			t.Fatalf("got %v, want a transport error", err)
		}

		if _, err = os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("got %v, want %q not to exist", err, path)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(entries) != 0 {
			t.Fatalf("got %d entries, want 0", len(entries))
		}
	})

	t.Run("reports an unreachable worker as a transport error", func(t *testing.T) {
		ctx := context.Background()
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewClient(url, nil).Status(ctx)
		if !worker.IsTransport(err) {
			t.Fatalf("got %v, want a transport error", err)
		}
	})

	t.Run("reports a response without a fault as a transport error", func(t *testing.T) {
		ctx := context.Background()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		t.Cleanup(server.Close)

		_, err := NewClient(server.URL, server.Client()).Status(ctx)
		if !worker.IsTransport(err) {
			t.Fatalf("got %v, want a transport error", err)
		}
	})
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "rejects unknown fields",
			path:       "/build",
			body:       `{"build_id":"SNAP-1","chroot_digest":"x","colour":"red"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `"code":"bad-request"`,
		},
		{
			name:       "rejects a build without a chroot",
			path:       "/build",
			body:       `{"build_id":"SNAP-1"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "missing chroot_digest",
		},
		{
			name:       "rejects a build for a chroot it doesn't have",
			path:       "/build",
			body:       `{"build_id":"SNAP-1","chroot_digest":"x"}`,
			wantStatus: http.StatusNotFound,
			wantBody:   `"code":"unknown-chroot"`,
		},
		{
			name:       "reports status",
			path:       "/status",
			body:       `{}`,
			wantStatus: http.StatusOK,
			wantBody:   `"builder_status":"IDLE"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(workerfake.New(), slog.Default())

			r := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if got, want := w.Code, tt.wantStatus; got != want {
				t.Errorf("got %d, want %d", got, want)
			}
			if got, want := w.Body.String(), tt.wantBody; !strings.Contains(got, want) {
				t.Errorf("got %q, want it to contain %q", got, want)
			}
		})
	}
}

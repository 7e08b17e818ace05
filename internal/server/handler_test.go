package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/build/buildtest"
)

var (
	buildID  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	seriesID = uuid.MustParse("cccccccc-0000-0000-0000-000000000000")
)

type fakeLogtails map[string]string

func (f fakeLogtails) Get(ctx context.Context, cookie string) (string, error) {
	tail, ok := f[cookie]
	if !ok {
		return "", build.ErrNotFound
	}
	return tail, nil
}

func newTestServer(t *testing.T, status build.Status) (*httptest.Server, *buildtest.Database) {
	t.Helper()

	db := buildtest.NewDatabase()
	db.AddDistroSeries(&build.DistroSeries{ID: seriesID, Name: "noble", Status: build.DistroSeriesStatusCurrent})
	db.AddBuild(&build.Build{
		ID:             buildID,
		JobType:        build.JobTypeSnap,
		Status:         status,
		Processor:      "amd64",
		DistroSeriesID: seriesID,
		Pocket:         build.PocketRelease,
	})
	if status == build.StatusNeedsBuild {
		db.AddQueueEntry(&build.QueueEntry{ID: uuid.New(), BuildID: buildID})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "buildfarm_test_total", Help: "Test."}))

	h := newHandler(slog.Default(), &HandlerParams{
		Database: db,
		Service:  build.NewService(db, nil),
		Gatherer: registry,
		Logtails: fakeLogtails{"SNAP-" + buildID.String(): "snapcraft: pulling"},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, db
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name       string
		status     build.Status
		method     string
		path       string
		wantStatus int
		wantBody   string // substring
	}{
		{
			name:       "health",
			method:     http.MethodGet,
			path:       "/health",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok"}`,
		},
		{
			name:       "metrics",
			method:     http.MethodGet,
			path:       "/metrics",
			wantStatus: http.StatusOK,
			wantBody:   "buildfarm_test_total 0",
		},
		{
			name:       "get build",
			status:     build.StatusBuilding,
			method:     http.MethodGet,
			path:       "/builds/" + buildID.String(),
			wantStatus: http.StatusOK,
			wantBody:   `"logtail":"snapcraft: pulling"`,
		},
		{
			name:       "get missing build",
			method:     http.MethodGet,
			path:       "/builds/" + uuid.Nil.String(),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid id",
			method:     http.MethodGet,
			path:       "/builds/42",
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "cancel queued build",
			status:     build.StatusNeedsBuild,
			method:     http.MethodPost,
			path:       "/builds/" + buildID.String() + "/cancel",
			wantStatus: http.StatusOK,
			wantBody:   `"status":"CANCELLED"`,
		},
		{
			name:       "cancel finished build",
			status:     build.StatusFullyBuilt,
			method:     http.MethodPost,
			path:       "/builds/" + buildID.String() + "/cancel",
			wantStatus: http.StatusConflict,
		},
		{
			name:       "retry failed build",
			status:     build.StatusFailedToBuild,
			method:     http.MethodPost,
			path:       "/builds/" + buildID.String() + "/retry",
			wantStatus: http.StatusOK,
			wantBody:   `"status":"NEEDSBUILD"`,
		},
		{
			name:       "retry successful build",
			status:     build.StatusFullyBuilt,
			method:     http.MethodPost,
			path:       "/builds/" + buildID.String() + "/retry",
			wantStatus: http.StatusConflict,
		},
		{
			name:       "wrong method",
			method:     http.MethodDelete,
			path:       "/builds/" + buildID.String(),
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := tt.status
			if status == "" {
				status = build.StatusBuilding
			}
			srv, _ := newTestServer(t, status)

			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			defer resp.Body.Close()

			if got := resp.StatusCode; got != tt.wantStatus {
				t.Fatalf("got %d, want %d", got, tt.wantStatus)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Fatalf("got %q, want it to contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestRetryBuildQueues(t *testing.T) {
	ctx := context.Background()
	srv, db := newTestServer(t, build.StatusChrootWait)

	resp, err := http.Post(srv.URL+"/builds/"+buildID.String()+"/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer resp.Body.Close()

	var got Build
	if err = json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got.Cookie != "SNAP-"+buildID.String() {
		t.Fatalf("got cookie %q, want %q", got.Cookie, "SNAP-"+buildID.String())
	}
	if _, err = db.GetQueueEntryByBuild(ctx, buildID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
}

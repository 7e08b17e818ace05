package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k11v/buildfarm/internal/build"
)

type LogtailCache interface {
	Get(ctx context.Context, cookie string) (string, error)
}

type HandlerParams struct {
	Database build.Database      // required
	Service  *build.Service      // required
	Gatherer prometheus.Gatherer // required
	Logtails LogtailCache        // optional
}

type handler struct {
	mux      *http.ServeMux
	database build.Database
	service  *build.Service
	logtails LogtailCache
	log      *slog.Logger
}

func newHandler(log *slog.Logger, params *HandlerParams) *handler {
	mux := http.NewServeMux()
	h := &handler{
		mux:      mux,
		database: params.Database,
		service:  params.Service,
		logtails: params.Logtails,
		log:      log,
	}

	mux.HandleFunc("GET /health", h.GetHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(params.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /builds/{id}", h.GetBuild)
	mux.HandleFunc("POST /builds/{id}/cancel", h.CancelBuild)
	mux.HandleFunc("POST /builds/{id}/retry", h.RetryBuild)

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	h.writeJSON(w, http.StatusOK, response{Status: "ok"})
}

type Build struct {
	ID           uuid.UUID  `json:"id"`
	Cookie       string     `json:"cookie"`
	JobType      string     `json:"job_type"`
	Status       string     `json:"status"`
	BuilderID    *uuid.UUID `json:"builder_id,omitempty"`
	Processor    string     `json:"processor"`
	Pocket       string     `json:"pocket"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LogKey       string     `json:"log_key,omitempty"`
	UploadLogKey string     `json:"upload_log_key,omitempty"`
	Dependencies *string    `json:"dependencies,omitempty"`
	FailureCount int        `json:"failure_count"`
	Logtail      string     `json:"logtail,omitempty"`
}

func buildResponse(b *build.Build) *Build {
	return &Build{
		ID:           b.ID,
		Cookie:       b.Cookie(),
		JobType:      string(b.JobType),
		Status:       string(b.Status),
		BuilderID:    b.BuilderID,
		Processor:    b.Processor,
		Pocket:       string(b.Pocket),
		StartedAt:    b.StartedAt,
		FinishedAt:   b.FinishedAt,
		LogKey:       b.LogKey,
		UploadLogKey: b.UploadLogKey,
		Dependencies: b.Dependencies,
		FailureCount: b.FailureCount,
	}
}

func (h *handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	b, err := h.database.GetBuild(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := buildResponse(b)
	if h.logtails != nil && b.Status == build.StatusBuilding {
		// A missing tail only means the builder hasn't reported one yet.
		if tail, err := h.logtails.Get(r.Context(), b.Cookie()); err == nil {
			resp.Logtail = tail
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	b, err := h.service.Cancel(r.Context(), &build.ServiceCancelParams{ID: id})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildResponse(b))
}

func (h *handler) RetryBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	b, err := h.service.Retry(r.Context(), &build.ServiceRetryParams{ID: id})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildResponse(b))
}

func (h *handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	const pathValueID = "id"
	id, err := uuid.Parse(r.PathValue(pathValueID))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %q request path value: %w", pathValueID, err).Error(), http.StatusUnprocessableEntity)
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var transitionErr *build.TransitionError
	switch {
	case errors.Is(err, build.ErrNotFound):
		http.Error(w, "build not found", http.StatusNotFound)
	case errors.Is(err, build.ErrCannotCancel), errors.Is(err, build.ErrCannotRetry), errors.Is(err, build.ErrAlreadyQueued), errors.As(err, &transitionErr):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error("didn't handle request", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("didn't write response", "error", err)
	}
}

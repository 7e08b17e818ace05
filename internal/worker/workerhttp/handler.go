package workerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/k11v/buildfarm/internal/worker"
)

// Backend is what a worker process does behind the HTTP surface.
// Errors that are *worker.Fault reach the caller as faults; anything else
// is reported as an internal fault.
type Backend interface {
	Status(ctx context.Context) (*worker.StatusReport, error)
	Build(ctx context.Context, params *worker.BuildParams) (*worker.BuildResult, error)
	EnsurePresent(ctx context.Context, source *worker.FileSource) (present bool, info string, err error)
	Abort(ctx context.Context) error
	Clean(ctx context.Context) error
	OpenFile(ctx context.Context, digest string) (io.ReadCloser, error)
}

type Handler struct {
	backend Backend // required
	router  *mux.Router
	log     *slog.Logger
}

func NewHandler(backend Backend, log *slog.Logger) *Handler {
	h := &Handler{
		backend: backend,
		router:  mux.NewRouter(),
		log:     log.With("component", "workerhttp"),
	}

	h.router.HandleFunc("/status", h.Status).Methods(http.MethodPost)
	h.router.HandleFunc("/build", h.Build).Methods(http.MethodPost)
	h.router.HandleFunc("/ensurepresent", h.EnsurePresent).Methods(http.MethodPost)
	h.router.HandleFunc("/abort", h.Abort).Methods(http.MethodPost)
	h.router.HandleFunc("/clean", h.Clean).Methods(http.MethodPost)
	h.router.HandleFunc("/files/{digest}", h.GetFile).Methods(http.MethodGet)
	h.router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.backend.Status(r.Context())
	if err != nil {
		h.writeError(w, "status", err)
		return
	}
	h.writeResult(w, report)
}

func (h *Handler) Build(w http.ResponseWriter, r *http.Request) {
	var params worker.BuildParams
	if err := decodeRequest(r, &params); err != nil {
		h.writeError(w, "build", err)
		return
	}
	if params.BuildID == "" {
		h.writeError(w, "build", badRequest("missing build_id"))
		return
	}
	if params.ChrootDigest == "" {
		h.writeError(w, "build", badRequest("missing chroot_digest"))
		return
	}

	result, err := h.backend.Build(r.Context(), &params)
	if err != nil {
		h.writeError(w, "build", err)
		return
	}
	h.writeResult(w, result)
}

func (h *Handler) EnsurePresent(w http.ResponseWriter, r *http.Request) {
	var source worker.FileSource
	if err := decodeRequest(r, &source); err != nil {
		h.writeError(w, "ensurepresent", err)
		return
	}
	if source.Digest == "" {
		h.writeError(w, "ensurepresent", badRequest("missing digest"))
		return
	}

	present, info, err := h.backend.EnsurePresent(r.Context(), &source)
	if err != nil {
		h.writeError(w, "ensurepresent", err)
		return
	}
	h.writeResult(w, ensurePresentResult{Present: present, Info: info})
}

func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Abort(r.Context()); err != nil {
		h.writeError(w, "abort", err)
		return
	}
	h.writeResult(w, nil)
}

func (h *Handler) Clean(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Clean(r.Context()); err != nil {
		h.writeError(w, "clean", err)
		return
	}
	h.writeResult(w, nil)
}

func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]

	rc, err := h.backend.OpenFile(r.Context(), digest)
	if err != nil {
		h.writeError(w, "getfiles", err)
		return
	}
	defer closeWithLog(rc)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err = io.Copy(w, rc); err != nil {
		h.log.Error("didn't send file", "digest", digest, "error", err)
	}
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response{Status: "ok"}); err != nil {
		h.log.Error("didn't encode response", "error", err)
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, result any) {
	var raw json.RawMessage
	if result != nil {
		var err error
		raw, err = json.Marshal(result)
		if err != nil {
			h.writeError(w, "encode", err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(envelope{Result: raw}); err != nil {
		h.log.Error("didn't encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var f *worker.Fault
	if !errors.As(err, &f) {
		h.log.Error("didn't handle request", "op", op, "error", err)
		f = &worker.Fault{Op: op, Code: worker.FaultInternal, Message: "internal error"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(faultStatusCode(f.Code))
	if encodeErr := json.NewEncoder(w).Encode(envelope{Fault: &fault{Code: f.Code, Message: f.Message}}); encodeErr != nil {
		h.log.Error("didn't encode response", "error", encodeErr)
	}
}

func faultStatusCode(code string) int {
	switch code {
	case worker.FaultBadRequest:
		return http.StatusBadRequest
	case worker.FaultUnknownFile, worker.FaultUnknownChroot:
		return http.StatusNotFound
	case worker.FaultBusy, worker.FaultNotBuilding:
		return http.StatusConflict
	case worker.FaultFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeRequest(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return badRequest("invalid request body: multiple top-level values")
	}
	return nil
}

func badRequest(message string) *worker.Fault {
	return &worker.Fault{Code: worker.FaultBadRequest, Message: message}
}

func closeWithLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Default().Error("didn't close", "component", "workerhttp", "error", err)
	}
}

func removeWithLog(path string) {
	if err := os.Remove(path); err != nil {
		slog.Default().Error("didn't remove", "component", "workerhttp", "path", path, "error", err)
	}
}

package behaviour

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/worker"
)

// Base is embedded by every job type.
type Base struct {
	deps       *Deps
	jobType    build.JobType
	imageTypes []string
}

func (b *Base) JobType() build.JobType {
	return b.jobType
}

func (b *Base) ImageTypes() []string {
	return slices.Clone(b.imageTypes)
}

func (b *Base) DetermineFilesToSend(ctx context.Context, _ *build.Build) (map[string]worker.FileSource, error) {
	return map[string]worker.FileSource{}, nil
}

// VerifySuccessfulBuild treats builds without a source publication as
// always wanted.
func (b *Base) VerifySuccessfulBuild(ctx context.Context, bld *build.Build) error {
	if bld.SourcePublicationID == nil {
		return nil
	}
	pub, err := b.deps.Database.GetSourcePublication(ctx, *bld.SourcePublicationID)
	if err != nil {
		return err
	}
	if !pub.Current() {
		return fmt.Errorf("%w: publication is %s", ErrSuperseded, pub.Status)
	}
	return nil
}

// HandleSuccess moves the build to GATHERING, fetches every file the worker
// produced into a fresh staging directory and hands the directory to the
// upload pipeline. The build is left in GATHERING if anything fails, so
// the next status poll handles it again.
func (b *Base) HandleSuccess(ctx context.Context, params *SuccessParams) (build.Status, error) {
	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	bld := params.Build
	resumed := bld.Status == build.StatusGathering

	if err := b.markGathering(ctx, bld); err != nil {
		return "", fmt.Errorf("behaviour.Base: %w", err)
	}

	err := b.VerifySuccessfulBuild(ctx, bld)
	if errors.Is(err, ErrSuperseded) {
		log.Info("not gathering superseded build", "build_cookie", bld.Cookie(), "reason", err)
		return build.StatusSuperseded, nil
	}
	if err != nil {
		return "", fmt.Errorf("behaviour.Base: %w", err)
	}

	// An earlier gathering of this dispatch may have handed the files over
	// without committing; its directory is reused. Directories left by
	// earlier dispatches are stale.
	stale, err := b.incomingLeaf(bld.Cookie())
	if err != nil {
		return "", fmt.Errorf("behaviour.Base: %w", err)
	}
	if stale != "" && resumed {
		log.Info("reusing gathered build", "build_cookie", bld.Cookie(), "leaf", stale)
		return build.StatusUploading, nil
	}
	if stale != "" {
		if err = os.RemoveAll(filepath.Join(b.deps.Upload.IncomingRoot, stale)); err != nil {
			return "", fmt.Errorf("behaviour.Base: %w", err)
		}
	}

	leaf := fmt.Sprintf("%s-%s", b.deps.now().Format("20060102-150405"), bld.Cookie())
	stagingDir := filepath.Join(b.deps.Upload.StagingRoot, leaf)

	requests, err := stagingRequests(stagingDir, params.Report.FileMap)
	if err != nil {
		return "", &worker.BuildDaemonError{BuildCookie: bld.Cookie(), Message: err.Error()}
	}

	if err = b.gather(ctx, params.Client, stagingDir, requests); err != nil {
		if removeErr := os.RemoveAll(stagingDir); removeErr != nil {
			log.Error("didn't remove staging directory", "dir", stagingDir, "error", removeErr)
		}
		return "", fmt.Errorf("behaviour.Base: %w", err)
	}

	if err = os.MkdirAll(b.deps.Upload.IncomingRoot, 0o755); err != nil {
		return "", fmt.Errorf("behaviour.Base: %w", err)
	}
	if err = os.Rename(stagingDir, filepath.Join(b.deps.Upload.IncomingRoot, leaf)); err != nil {
		return "", fmt.Errorf("behaviour.Base: %w", err)
	}

	log.Info("gathered build", "build_cookie", bld.Cookie(), "files", len(requests), "leaf", leaf)
	return build.StatusUploading, nil
}

// incomingLeaf returns the incoming directory already holding the files
// of the build with cookie, or "" if there is none.
func (b *Base) incomingLeaf(cookie string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(b.deps.Upload.IncomingRoot, "*-"+cookie))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			return filepath.Base(m), nil
		}
	}
	return "", nil
}

func (b *Base) markGathering(ctx context.Context, bld *build.Build) error {
	return build.RunInTx(ctx, b.deps.Database, func(tx build.DatabaseTx) error {
		current, err := tx.GetBuildForUpdate(ctx, bld.ID)
		if err != nil {
			return err
		}
		if _, err = current.UpdateStatus(build.StatusGathering, build.UpdateStatusOptions{Now: b.deps.now()}); err != nil {
			return err
		}
		if err = tx.UpdateBuild(ctx, current); err != nil {
			return err
		}
		*bld = *current
		return nil
	})
}

func (b *Base) gather(ctx context.Context, client worker.Client, stagingDir string, requests []worker.FileRequest) error {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return err
	}
	for _, r := range requests {
		if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
			return err
		}
	}
	return client.GetFiles(ctx, requests)
}

// stagingRequests maps every reported file into stagingDir and refuses
// names that would resolve outside it.
func stagingRequests(stagingDir string, fileMap map[string]string) ([]worker.FileRequest, error) {
	cleanDir := filepath.Clean(stagingDir)

	names := make([]string, 0, len(fileMap))
	for name := range fileMap {
		names = append(names, name)
	}
	slices.Sort(names)

	requests := make([]worker.FileRequest, 0, len(names))
	for _, name := range names {
		target := filepath.Join(cleanDir, name)
		if !strings.HasPrefix(target, cleanDir+string(os.PathSeparator)) {
			return nil, fmt.Errorf("file %q escapes the staging directory", name)
		}
		requests = append(requests, worker.FileRequest{Digest: fileMap[name], Path: target})
	}
	return requests, nil
}

func requireArgument(b *build.Build, key string) (string, error) {
	v := b.Arguments[key]
	if v == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidArguments, key)
	}
	return v, nil
}

func argumentOr(b *build.Build, key, fallback string) string {
	if v := b.Arguments[key]; v != "" {
		return v
	}
	return fallback
}

func boolArgument(b *build.Build, key string) (bool, error) {
	v := b.Arguments[key]
	if v == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, key, err)
	}
	return parsed, nil
}

// pairsArgument parses "k1=v1,k2=v2". An empty argument yields an empty map.
func pairsArgument(b *build.Build, key string) (map[string]string, error) {
	pairs := make(map[string]string)
	v := b.Arguments[key]
	if v == "" {
		return pairs, nil
	}
	for _, item := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || k == "" || val == "" {
			return nil, fmt.Errorf("%w: %s: malformed pair %q", ErrInvalidArguments, key, item)
		}
		pairs[k] = val
	}
	return pairs, nil
}

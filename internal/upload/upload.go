// Package upload publishes gathered build results from the incoming directory.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/k11v/buildfarm/internal/build"
)

const leafTimeLayout = "20060102-150405"

type Blobs interface {
	Put(ctx context.Context, key string, r io.Reader) (digest string, err error)
	StoreLog(ctx context.Context, key string, r io.Reader) error
}

type Processor struct {
	database     build.Database // required
	blobs        Blobs          // required
	incomingRoot string         // required
	notifier     build.Notifier // optional
	now          func() time.Time
}

type ProcessorParams struct {
	Database     build.Database // required
	Blobs        Blobs          // required
	IncomingRoot string         // required
	Notifier     build.Notifier // optional
}

func NewProcessor(params *ProcessorParams) *Processor {
	return &Processor{
		database:     params.Database,
		blobs:        params.Blobs,
		incomingRoot: params.IncomingRoot,
		notifier:     params.Notifier,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// FileKey is where an uploaded build result is stored.
func FileKey(cookie string, name string) string {
	return fmt.Sprintf("uploads/%s/%s", cookie, name)
}

// LogKey is where the upload log of the build with cookie is stored.
func LogKey(cookie string) string {
	return fmt.Sprintf("uploads/%s/upload.log", cookie)
}

// ProcessIncoming uploads every gathered build found in the incoming
// directory, oldest first, and returns how many builds it finished.
// Directories that fail before their build is updated are kept and
// processed again on the next call.
func (p *Processor) ProcessIncoming(ctx context.Context, log *slog.Logger) (int, error) {
	entries, err := os.ReadDir(p.incomingRoot)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("upload.Processor: %w", err)
	}

	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})

	processed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if !entry.IsDir() {
			continue
		}

		leaf := entry.Name()
		done, err := p.process(ctx, log, leaf)
		if err != nil {
			log.Error("didn't process upload", "leaf", leaf, "error", err)
			continue
		}
		if done {
			processed++
		}
	}

	return processed, nil
}

// process uploads the directory leaf and reports whether it finished a
// build. Directories of builds still gathering are left for a later call.
// Directories of builds that moved on without them are removed.
func (p *Processor) process(ctx context.Context, log *slog.Logger, leaf string) (bool, error) {
	cookie, err := parseLeaf(leaf)
	if err != nil {
		return false, err
	}
	_, id, err := build.ParseCookie(cookie)
	if err != nil {
		return false, err
	}

	b, err := p.database.GetBuild(ctx, id)
	if err != nil {
		return false, err
	}
	switch b.Status {
	case build.StatusUploading:
	case build.StatusGathering:
		return false, nil
	default:
		log.Warn("removing stale upload", "leaf", leaf, "status", b.Status)
		if err = os.RemoveAll(filepath.Join(p.incomingRoot, leaf)); err != nil {
			return false, err
		}
		return false, nil
	}

	dir := filepath.Join(p.incomingRoot, leaf)
	uploadLog := &bytes.Buffer{}
	next := build.StatusFullyBuilt
	if err = p.uploadFiles(ctx, dir, cookie, uploadLog); err != nil {
		fmt.Fprintf(uploadLog, "error: %v\n", err)
		next = build.StatusFailedToUpload
	}

	logKey := LogKey(cookie)
	if err = p.blobs.StoreLog(ctx, logKey, uploadLog); err != nil {
		return false, err
	}

	var change *build.StatusChange
	now := p.now()
	err = build.RunInTx(ctx, p.database, func(tx build.DatabaseTx) error {
		current, err := tx.GetBuildForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := current.Status
		notify, err := current.UpdateStatus(next, build.UpdateStatusOptions{Now: now})
		if err != nil {
			return err
		}
		current.UploadLogKey = logKey
		if err = tx.UpdateBuild(ctx, current); err != nil {
			return err
		}
		if notify {
			change = &build.StatusChange{BuildID: current.ID, Cookie: cookie, From: from, To: current.Status, At: now}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if change != nil {
		build.Notify(ctx, p.notifier, change)
	}

	if err = os.RemoveAll(dir); err != nil {
		log.Warn("didn't remove upload", "leaf", leaf, "error", err)
	}
	log.Info("processed upload", "build_cookie", cookie, "status", next)
	return true, nil
}

// uploadFiles stores every regular file under dir, keyed by its slash
// separated path relative to dir, and writes one "<name> <sha1>" line per
// file to uploadLog.
func (p *Processor) uploadFiles(ctx context.Context, dir string, cookie string, uploadLog io.Writer) error {
	uploaded := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !d.Type().IsRegular() {
			return fmt.Errorf("%s isn't a regular file", name)
		}

		digest, err := p.uploadFile(ctx, path, FileKey(cookie, name))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(uploadLog, "%s %s\n", name, digest)
		uploaded++
		return nil
	})
	if err != nil {
		return err
	}
	if uploaded == 0 {
		return errors.New("no files to upload")
	}
	return nil
}

func (p *Processor) uploadFile(ctx context.Context, path string, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer closeWithLog(f)
	return p.blobs.Put(ctx, key, f)
}

// parseLeaf returns the build cookie of an incoming directory name like
// "20240501-123045-SNAP-aaaaaaaa-0000-0000-0000-000000000000".
func parseLeaf(leaf string) (string, error) {
	if len(leaf) <= len(leafTimeLayout)+1 || leaf[len(leafTimeLayout)] != '-' {
		return "", fmt.Errorf("unexpected incoming directory %q", leaf)
	}
	if _, err := time.Parse(leafTimeLayout, leaf[:len(leafTimeLayout)]); err != nil {
		return "", fmt.Errorf("unexpected incoming directory %q: %w", leaf, err)
	}
	return leaf[len(leafTimeLayout)+1:], nil
}

func closeWithLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Default().Error("didn't close", "component", "upload", "error", err)
	}
}

package behaviour

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/k11v/buildfarm/internal/build"
	"github.com/k11v/buildfarm/internal/worker"
)

// presignTTL bounds how long a worker has to fetch a staged file.
const presignTTL = time.Hour

// BinaryPackage builds binary packages from a source package.
type BinaryPackage struct {
	Base
}

func NewBinaryPackage(deps *Deps) Behaviour {
	return &BinaryPackage{Base: Base{
		deps:       deps,
		jobType:    build.JobTypeBinaryPackage,
		imageTypes: []string{"chroot"},
	}}
}

func (p *BinaryPackage) ComposeExtraArgs(ctx context.Context, b *build.Build) (map[string]any, error) {
	series, err := p.deps.Database.GetDistroSeries(ctx, b.DistroSeriesID)
	if err != nil {
		return nil, fmt.Errorf("behaviour.BinaryPackage: %w", err)
	}

	buildDebugSymbols, err := boolArgument(b, "build_debug_symbols")
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"arch_tag":            b.Processor,
		"suite":               suite(series.Name, b.Pocket),
		"archive_purpose":     argumentOr(b, "archive_purpose", "PRIMARY"),
		"build_debug_symbols": buildDebugSymbols,
		"distribution":        argumentOr(b, "distribution", "ubuntu"),
		"ogrecomponent":       argumentOr(b, "component", "main"),
	}, nil
}

// DetermineFilesToSend sends the source package files listed in the
// "files" argument, each fetched from the blob store by digest.
func (p *BinaryPackage) DetermineFilesToSend(ctx context.Context, b *build.Build) (map[string]worker.FileSource, error) {
	if _, err := requireArgument(b, "files"); err != nil {
		return nil, err
	}
	files, err := pairsArgument(b, "files")
	if err != nil {
		return nil, err
	}

	sources := make(map[string]worker.FileSource, len(files))
	for name, digest := range files {
		url, err := p.deps.Blobs.PresignGet(ctx, FileKey(digest), presignTTL)
		if err != nil {
			return nil, fmt.Errorf("behaviour.BinaryPackage: %w", err)
		}
		sources[name] = worker.FileSource{Digest: digest, URL: url}
	}
	return sources, nil
}

// FileKey is where a file blob with the given digest is stored.
func FileKey(digest string) string {
	return "files/" + digest
}

func suite(series string, pocket build.Pocket) string {
	if pocket == build.PocketRelease {
		return series
	}
	return series + "-" + strings.ToLower(string(pocket))
}

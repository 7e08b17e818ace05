package behaviour

import (
	"context"
	"strings"

	"github.com/k11v/buildfarm/internal/build"
)

// LiveFS builds live filesystems and installer images.
type LiveFS struct {
	Base
}

func NewLiveFS(deps *Deps) Behaviour {
	return &LiveFS{Base: Base{
		deps:       deps,
		jobType:    build.JobTypeLiveFS,
		imageTypes: []string{"chroot"},
	}}
}

func (l *LiveFS) ComposeExtraArgs(ctx context.Context, b *build.Build) (map[string]any, error) {
	project, err := requireArgument(b, "project")
	if err != nil {
		return nil, err
	}

	args := map[string]any{
		"project": project,
		"pocket":  strings.ToLower(string(b.Pocket)),
	}
	for _, key := range []string{"subproject", "image_format", "locale"} {
		if v := b.Arguments[key]; v != "" {
			args[key] = v
		}
	}
	return args, nil
}

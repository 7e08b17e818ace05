package behaviour

import (
	"context"

	"github.com/k11v/buildfarm/internal/build"
)

// Snap, Rock and Charm build from a git repository rather than a source
// package, so they share most of their arguments.

type Snap struct {
	Base
}

func NewSnap(deps *Deps) Behaviour {
	return &Snap{Base: Base{
		deps:       deps,
		jobType:    build.JobTypeSnap,
		imageTypes: []string{"lxd", "chroot"},
	}}
}

func (s *Snap) ComposeExtraArgs(ctx context.Context, b *build.Build) (map[string]any, error) {
	args, err := gitArgs(b)
	if err != nil {
		return nil, err
	}

	channels, err := pairsArgument(b, "channels")
	if err != nil {
		return nil, err
	}
	private, err := boolArgument(b, "private")
	if err != nil {
		return nil, err
	}

	args["channels"] = channels
	args["private"] = private
	if v := b.Arguments["build_request_id"]; v != "" {
		args["build_request_id"] = v
	}
	return args, nil
}

type Rock struct {
	Base
}

func NewRock(deps *Deps) Behaviour {
	return &Rock{Base: Base{
		deps:       deps,
		jobType:    build.JobTypeRock,
		imageTypes: []string{"lxd", "chroot"},
	}}
}

func (r *Rock) ComposeExtraArgs(ctx context.Context, b *build.Build) (map[string]any, error) {
	args, err := gitArgs(b)
	if err != nil {
		return nil, err
	}
	if v := b.Arguments["build_path"]; v != "" {
		args["build_path"] = v
	}
	return args, nil
}

type Charm struct {
	Base
}

func NewCharm(deps *Deps) Behaviour {
	return &Charm{Base: Base{
		deps:       deps,
		jobType:    build.JobTypeCharm,
		imageTypes: []string{"lxd", "chroot"},
	}}
}

func (c *Charm) ComposeExtraArgs(ctx context.Context, b *build.Build) (map[string]any, error) {
	args, err := gitArgs(b)
	if err != nil {
		return nil, err
	}

	channels, err := pairsArgument(b, "channels")
	if err != nil {
		return nil, err
	}
	args["channels"] = channels
	if v := b.Arguments["build_path"]; v != "" {
		args["build_path"] = v
	}
	return args, nil
}

func gitArgs(b *build.Build) (map[string]any, error) {
	name, err := requireArgument(b, "name")
	if err != nil {
		return nil, err
	}
	repository, err := requireArgument(b, "git_repository")
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"name":           name,
		"git_repository": repository,
		"git_path":       argumentOr(b, "git_path", "HEAD"),
	}, nil
}

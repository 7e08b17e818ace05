package workerdocker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code is %d", e.ExitCode)
}

type ExecuteParams struct {
	BuildID   string            // required
	JobType   string            // required
	Inputs    map[string]string // required; name in the build tree to local path
	Args      map[string]any
	Log       io.Writer // required
	OutputDir string    // required
}

// Executor runs one build to completion. A build that ran but failed is
// reported as an *ExitError; other errors mean it couldn't be run at all.
type Executor interface {
	Execute(ctx context.Context, params *ExecuteParams) error
}

var _ Executor = (*DockerExecutor)(nil)

// DockerExecutor runs a build as three containers sharing a volume:
// one unpacks the inputs, one builds and one packs the outputs.
type DockerExecutor struct {
	cli   *client.Client // required
	image string         // required
}

func NewDockerExecutor(image string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("workerdocker.DockerExecutor: %w", err)
	}
	return &DockerExecutor{cli: cli, image: image}, nil
}

// https://github.com/moby/moby/blob/master/oci/caps/defaults.go#L6-L19
var defaultCaps = strslice.StrSlice{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FSETID",
	"CAP_FOWNER",
	"CAP_MKNOD",
	"CAP_NET_RAW",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETFCAP",
	"CAP_SETPCAP",
	"CAP_NET_BIND_SERVICE",
	"CAP_SYS_CHROOT",
	"CAP_KILL",
	"CAP_AUDIT_WRITE",
}

func (e *DockerExecutor) Execute(ctx context.Context, params *ExecuteParams) error {
	vol, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{
		Labels: map[string]string{"buildfarm.build_id": params.BuildID},
	})
	if err != nil {
		return fmt.Errorf("workerdocker.DockerExecutor: %w", err)
	}
	defer func() {
		// The build context may be canceled by now.
		if err := e.cli.VolumeRemove(context.Background(), vol.Name, true); err != nil {
			slog.Error("didn't remove volume", "id", vol.Name, "error", err)
		}
	}()

	inputReader, inputWriter := io.Pipe()
	inputErrCh := make(chan error, 1)
	go func() {
		err := writeInputTar(inputWriter, params.Inputs, params.Args)
		_ = inputWriter.CloseWithError(err)
		inputErrCh <- err
	}()

	_, _ = fmt.Fprintf(params.Log, "$ unpack\n")
	err = e.run(ctx, vol.Name, runParams{
		script: `
			set -e
			mkdir -p /build/input /build/output
			cd /build/input
			exec tar -x
		`,
		stdin:  inputReader,
		stdout: params.Log,
		stderr: params.Log,
	})
	_ = inputReader.Close()
	if inputErr := <-inputErrCh; inputErr != nil && err == nil {
		err = inputErr
	}
	if err != nil {
		return fmt.Errorf("workerdocker.DockerExecutor: unpack: %w", err)
	}

	_, _ = fmt.Fprintf(params.Log, "$ build-%s\n", params.JobType)
	err = e.run(ctx, vol.Name, runParams{
		script: fmt.Sprintf(`
			set -e
			cd /build/input
			exec build-%s --build-id %s --args /build/input/args.json --output /build/output
		`, shellQuote(params.JobType), shellQuote(params.BuildID)),
		stdout: params.Log,
		stderr: params.Log,
	})
	if err != nil {
		return err
	}

	outputReader, outputWriter := io.Pipe()
	outputErrCh := make(chan error, 1)
	go func() {
		err := readOutputTar(outputReader, params.OutputDir)
		_ = outputReader.CloseWithError(err)
		outputErrCh <- err
	}()

	_, _ = fmt.Fprintf(params.Log, "$ pack\n")
	err = e.run(ctx, vol.Name, runParams{
		script: `
			set -e
			cd /build/output
			exec tar -c .
		`,
		stdout: outputWriter,
		stderr: params.Log,
	})
	_ = outputWriter.CloseWithError(err)
	if outputErr := <-outputErrCh; outputErr != nil && err == nil {
		err = outputErr
	}
	if err != nil {
		return fmt.Errorf("workerdocker.DockerExecutor: pack: %w", err)
	}

	return nil
}

type runParams struct {
	script string
	stdin  io.Reader // optional
	stdout io.Writer
	stderr io.Writer
}

func (e *DockerExecutor) run(ctx context.Context, volumeName string, params runParams) error {
	cont, err := e.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        e.image,
			Entrypoint:   strslice.StrSlice{},
			Cmd:          strslice.StrSlice{"sh", "-c", params.script},
			AttachStdin:  params.stdin != nil,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    params.stdin != nil,
			StdinOnce:    params.stdin != nil,
		},
		&container.HostConfig{
			NetworkMode:    "none",
			CapDrop:        strslice.StrSlice{"ALL"},
			CapAdd:         defaultCaps,
			ReadonlyRootfs: true,
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: volumeName,
				Target: "/build",
			}},
			LogConfig: container.LogConfig{
				Type: "none",
			},
		},
		nil,
		nil,
		"",
	)
	if err != nil {
		return err
	}
	defer func() {
		err := e.cli.ContainerRemove(context.Background(), cont.ID, container.RemoveOptions{Force: true})
		if err != nil {
			slog.Error("didn't remove container", "id", cont.ID, "error", err)
		}
	}()

	conn, err := e.cli.ContainerAttach(ctx, cont.ID, container.AttachOptions{
		Stream: true,
		Stdin:  params.stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err = e.cli.ContainerStart(ctx, cont.ID, container.StartOptions{}); err != nil {
		return err
	}

	stdinErrCh := make(chan error, 1)
	if params.stdin != nil {
		go func() {
			if _, err := io.Copy(conn.Conn, params.stdin); err != nil {
				stdinErrCh <- err
				return
			}
			stdinErrCh <- conn.CloseWrite()
		}()
	} else {
		stdinErrCh <- nil
	}

	copyErrCh := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(params.stdout, params.stderr, conn.Reader)
		copyErrCh <- err
	}()

	select {
	case err = <-copyErrCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		if killErr := e.cli.ContainerKill(context.Background(), cont.ID, "KILL"); killErr != nil {
			slog.Error("didn't kill container", "id", cont.ID, "error", killErr)
		}
		return ctx.Err()
	}

	if err = <-stdinErrCh; err != nil {
		return err
	}

	waitCh, errCh := e.cli.ContainerWait(ctx, cont.ID, container.WaitConditionNotRunning)
	select {
	case err = <-errCh:
		return err
	case <-waitCh:
	}

	inspect, err := e.cli.ContainerInspect(ctx, cont.ID)
	if err != nil {
		return err
	}
	if inspect.State.Status != "exited" {
		return errors.New("didn't exit")
	}
	if inspect.State.ExitCode != 0 {
		return &ExitError{ExitCode: inspect.State.ExitCode}
	}

	return nil
}

// writeInputTar packs inputs and the build arguments for the unpack container.
func writeInputTar(w io.Writer, inputs map[string]string, args map[string]any) error {
	tw := tar.NewWriter(w)

	argsData, err := json.Marshal(args)
	if err != nil {
		return err
	}
	err = tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     "args.json",
		Mode:     0o644,
		Size:     int64(len(argsData)),
	})
	if err != nil {
		return err
	}
	if _, err = tw.Write(argsData); err != nil {
		return err
	}

	dirExist := make(map[string]struct{})
	for name, localPath := range inputs {
		name = path.Clean(name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("input %q is outside the build tree", name)
		}

		dir := name
		for {
			nextDir := path.Dir(dir)
			if nextDir == dir || nextDir == "." {
				break
			}
			dir = nextDir

			if _, exist := dirExist[dir]; !exist {
				err = tw.WriteHeader(&tar.Header{
					Typeflag: tar.TypeDir,
					Name:     dir,
					Mode:     0o755,
				})
				if err != nil {
					return err
				}
				dirExist[dir] = struct{}{}
			}
		}

		if err = writeTarFile(tw, name, localPath); err != nil {
			return err
		}
	}

	return tw.Close()
}

func writeTarFile(tw *tar.Writer, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer closeWithLog(f)

	info, err := f.Stat()
	if err != nil {
		return err
	}
	err = tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     info.Size(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// readOutputTar unpacks regular files into dir and refuses entries that
// would land outside it.
func readOutputTar(r io.Reader, dir string) error {
	cleanDir := filepath.Clean(dir)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(cleanDir, filepath.FromSlash(hdr.Name))
		if target != cleanDir && !strings.HasPrefix(target, cleanDir+string(os.PathSeparator)) {
			return fmt.Errorf("output %q is outside the output directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(f, tr)
			closeErr := f.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		default:
			// Links and devices aren't build outputs.
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func closeWithLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Default().Error("didn't close", "component", "workerdocker", "error", err)
	}
}

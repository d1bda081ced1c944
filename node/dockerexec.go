package node

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/alessio/shellescape"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/minidcos/internal/retry"
	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
)

// ExecClient is the subset of the Docker SDK used by DockerExecTransport.
type ExecClient interface {
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
}

// DockerExecTransport runs commands with "docker exec" in one container.
type DockerExecTransport struct {
	docker      ExecClient
	containerID string
}

// DockerExecTransport implements Transport
var _ Transport = (*DockerExecTransport)(nil)

var errExecRunning = errors.New("exec is still running")

func NewDockerExecTransport(docker ExecClient, containerID string) *DockerExecTransport {
	return &DockerExecTransport{docker: docker, containerID: containerID}
}

func (t *DockerExecTransport) Kind() TransportKind {
	return DockerExec
}

func (t *DockerExecTransport) Start(ctx context.Context, cmd Command, stdout, stderr io.Writer) (Execution, error) {
	user := lo.Ternary(cmd.User != "", cmd.User, RootUser)

	exec, err := retry.RetryResult(ctx, 3, func() (container.ExecCreateResponse, error) {
		return t.docker.ContainerExecCreate(ctx, t.containerID, container.ExecOptions{
			User: user,
			// Same variables sshd would set for a login of that user
			Env:          []string{"USER=" + user, "HOME=" + homeOf(user)},
			Cmd:          []string{"bash", "-c", cmd.Line()},
			AttachStdin:  cmd.Stdin != nil,
			AttachStdout: true,
			AttachStderr: true,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create docker exec in '%s': %w", t.containerID, err)
	}

	attach, err := t.docker.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach docker exec in '%s': %w", t.containerID, err)
	}

	if cmd.Stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, cmd.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	stop := context.AfterFunc(ctx, attach.Close)

	return execFunc(func() (int, error) {
		defer stop()
		defer attach.Close()

		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		if copyErr != nil {
			return -1, fmt.Errorf("failed to read docker exec output: %w", copyErr)
		}

		// The stream may close slightly before the daemon records the exit code
		inspect, err := retry.Result(ctx, retry.Policy{Attempts: 6, Base: 50 * time.Millisecond}, func(int) (container.ExecInspect, error) {
			inspect, err := t.docker.ContainerExecInspect(ctx, exec.ID)
			if err == nil && inspect.Running {
				err = errExecRunning
			}
			return inspect, err
		})
		if err != nil {
			return -1, fmt.Errorf("failed to inspect docker exec: %w", err)
		}
		return inspect.ExitCode, nil
	}), nil
}

func (t *DockerExecTransport) SendFile(ctx context.Context, localPath, remotePath, user string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	parent := path.Dir(remotePath)
	mkdir := Command{Args: []string{"mkdir", "-p", shellescape.Quote(parent)}, User: user}
	if err := runQuiet(ctx, t, mkdir); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	reader, writer := io.Pipe()
	go func() {
		writer.CloseWithError(writeArchive(writer, file, path.Base(remotePath), info))
	}()

	if err := t.docker.CopyToContainer(ctx, t.containerID, parent, reader, container.CopyToContainerOptions{}); err != nil {
		_ = reader.CloseWithError(err)
		return fmt.Errorf("failed to copy archive into container: %w", err)
	}

	if user != RootUser {
		chown := Command{Args: []string{"chown", shellescape.Quote(user), shellescape.Quote(remotePath)}, User: RootUser}
		if err := runQuiet(ctx, t, chown); err != nil {
			return fmt.Errorf("failed to change owner: %w", err)
		}
	}
	return nil
}

// writeArchive writes a gzip compressed tarball holding a single file.
func writeArchive(w io.Writer, content io.Reader, name string, info os.FileInfo) error {
	compressed := gzip.NewWriter(w)
	archive := tar.NewWriter(compressed)

	if err := archive.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	if _, err := io.Copy(archive, content); err != nil {
		return err
	}
	if err := archive.Close(); err != nil {
		return err
	}
	return compressed.Close()
}

func (t *DockerExecTransport) Close() error {
	return nil
}

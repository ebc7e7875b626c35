package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerBackend runs verification scripts in throwaway containers on a
// local Docker daemon. Containers get no network, a read-only root
// filesystem, a small writable /tmp, and run as nobody.
type DockerBackend struct {
	cli     *client.Client
	workDir string
	logger  *slog.Logger
}

// NewDockerBackend connects to the Docker daemon using the standard
// environment (DOCKER_HOST etc). workDir holds per-run input directories
// and must be on a filesystem the daemon can bind-mount.
func NewDockerBackend(workDir string, logger *slog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerBackend{cli: cli, workDir: workDir, logger: logger}, nil
}

// Close releases the daemon connection.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// Run executes one sandbox run and always removes the container.
func (b *DockerBackend) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	inputDir, err := b.writeInput(spec)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(inputDir)

	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	memoryBytes := spec.MemoryMB << 20
	created, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           spec.Image,
			Cmd:             spec.Command,
			User:            "65534:65534",
			WorkingDir:      "/tmp",
			NetworkDisabled: true,
			Env:             []string{"HOME=/tmp"},
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			AutoRemove:     false,
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=32m"},
			Mounts: []mount.Mount{{
				Type:     mount.TypeBind,
				Source:   inputDir,
				Target:   "/input",
				ReadOnly: true,
			}},
			Resources: container.Resources{
				// Swap equals memory so the limit is hard.
				Memory:     memoryBytes,
				MemorySwap: memoryBytes,
				NanoCPUs:   1_000_000_000,
				PidsLimit:  ptr(int64(256)),
			},
		},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("container remove failed", "container_id", created.ID, "error", err)
		}
	}()

	start := time.Now()
	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("container start: %w", err)
	}

	result := &RunResult{}
	waitCh, errCh := b.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		result.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("container wait: %w", err)
	case <-time.After(spec.Timeout):
		result.TimedOut = true
		result.ExitCode = -1
		b.kill(created.ID)
	case <-ctx.Done():
		b.kill(created.ID)
		return nil, ctx.Err()
	}
	result.Duration = time.Since(start)

	output, err := b.collectLogs(ctx, created.ID)
	if err != nil {
		b.logger.Warn("log collection failed", "container_id", created.ID, "error", err)
	}
	result.Output = output
	return result, nil
}

// kill sends SIGTERM, waits the grace period, then SIGKILL.
func (b *DockerBackend) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), KillGrace+10*time.Second)
	defer cancel()

	if err := b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: ptr(int(KillGrace.Seconds()))}); err != nil {
		if err := b.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
			b.logger.Warn("container kill failed", "container_id", containerID, "error", err)
		}
	}
}

func (b *DockerBackend) collectLogs(ctx context.Context, containerID string) ([]byte, error) {
	rc, err := b.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, io.LimitReader(rc, MaxOutputBytes*2)); err != nil && !errors.Is(err, io.EOF) {
		return buf.Bytes(), err
	}
	out := buf.Bytes()
	if len(out) > MaxOutputBytes {
		out = out[:MaxOutputBytes]
	}
	return out, nil
}

func (b *DockerBackend) writeInput(spec RunSpec) (string, error) {
	dir, err := os.MkdirTemp(b.workDir, "verify-")
	if err != nil {
		return "", fmt.Errorf("input dir: %w", err)
	}
	// World-readable so uid 65534 can read through the bind mount.
	if err := os.Chmod(dir, 0o755); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	files := map[string][]byte{
		spec.ScriptFile: spec.Script,
		"result.json":   spec.Input,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}
	return dir, nil
}

func (b *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	if _, err := b.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	rc, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func ptr[T any](v T) *T { return &v }

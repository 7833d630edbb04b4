// Package docker implements the worker container runtime on the Docker
// daemon via the official moby client.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"agentengine/internal/errs"
	"agentengine/internal/runtime"
)

// Runtime is the Docker-backed container runtime.
type Runtime struct {
	client *client.Client
}

// New connects to the Docker daemon using the standard environment
// (DOCKER_HOST et al).
func New() (*Runtime, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

// Close releases the daemon connection.
func (r *Runtime) Close() error { return r.client.Close() }

// Ping checks daemon connectivity.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx, client.PingOptions{})
	return err
}

// Start creates and starts a worker container.
//
// Mount policy: the project repo is read-only, the task worktree and the
// worker's log directory are read-write, and the worktree's .git link file
// is overlaid with its own read-only bind so the agent cannot unlink it.
// All binds keep their host paths so git inside the container resolves the
// worktree link unchanged.
func (r *Runtime) Start(ctx context.Context, spec *runtime.Spec) (*runtime.Handle, error) {
	binds := []string{
		spec.RepoDir + ":" + spec.RepoDir + ":ro",
		spec.WorktreeDir + ":" + spec.WorktreeDir,
		spec.LogDir + ":" + spec.LogDir,
	}
	if spec.GitPointerPath != "" {
		binds = append(binds, spec.GitPointerPath+":"+spec.GitPointerPath+":ro")
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{
		Binds:      binds,
		AutoRemove: true,
	}
	if spec.CallbackHostAlias != "" {
		hostConfig.ExtraHosts = []string{spec.CallbackHostAlias}
	}
	if spec.CPULimit > 0 || spec.MemoryLimitBytes > 0 {
		hostConfig.Resources = container.Resources{
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.MemoryLimitBytes,
		}
	}

	name := runtime.ContainerName(spec.WorkerID)
	result, err := r.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  name,
		Image: spec.Image,
		Config: &container.Config{
			Cmd:        spec.Cmd,
			Env:        env,
			WorkingDir: spec.WorktreeDir,
		},
		HostConfig: hostConfig,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindContainerStart, "create container "+name, err)
	}

	if _, err := r.client.ContainerStart(ctx, result.ID, client.ContainerStartOptions{}); err != nil {
		_, _ = r.client.ContainerRemove(ctx, result.ID, client.ContainerRemoveOptions{Force: true})
		return nil, errs.Wrap(errs.KindContainerStart, "start container "+name, err)
	}

	return &runtime.Handle{ID: result.ID, WorkerID: spec.WorkerID}, nil
}

// Wait blocks until the container stops and returns its exit code.
func (r *Runtime) Wait(ctx context.Context, handle *runtime.Handle) (int, error) {
	waitResult := r.client.ContainerWait(ctx, handle.ID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	select {
	case err := <-waitResult.Error:
		if err != nil {
			return -1, fmt.Errorf("wait container %s: %w", handle.ID, err)
		}
		return 0, nil
	case resp := <-waitResult.Result:
		return int(resp.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop sends SIGTERM, waits grace, then SIGKILLs. A container already gone
// is a success.
func (r *Runtime) Stop(ctx context.Context, handle *runtime.Handle, grace time.Duration) error {
	graceSeconds := int(grace / time.Second)
	_, err := r.client.ContainerStop(ctx, handle.ID, client.ContainerStopOptions{
		Timeout: &graceSeconds,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", handle.ID, err)
	}
	return nil
}

// LogsStream follows the container's combined stdout/stderr.
func (r *Runtime) LogsStream(ctx context.Context, handle *runtime.Handle) (io.ReadCloser, error) {
	result, err := r.client.ContainerLogs(ctx, handle.ID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "all",
	})
	if err != nil {
		return nil, fmt.Errorf("stream logs for %s: %w", handle.ID, err)
	}
	// Worker containers run without a TTY, so the daemon multiplexes
	// stdout/stderr into framed chunks; strip the framing before the
	// stream parser sees the bytes.
	return newDemuxReader(result), nil
}

// ListAlive returns every engine-owned container still running.
func (r *Runtime) ListAlive(ctx context.Context) ([]runtime.Handle, error) {
	result, err := r.client.ContainerList(ctx, client.ContainerListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var handles []runtime.Handle
	for _, item := range result.Items {
		for _, name := range item.Names {
			if wid := runtime.WorkerFromContainerName(name); wid != "" {
				handles = append(handles, runtime.Handle{ID: item.ID, WorkerID: wid})
				break
			}
		}
	}
	return handles, nil
}

var _ runtime.ContainerRuntime = (*Runtime)(nil)

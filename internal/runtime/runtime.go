// Package runtime abstracts the sandboxed execution environment a worker's
// agent runs in. The production implementation is a Docker container; tests
// substitute the fake.
package runtime

import (
	"context"
	"io"
	"strings"
	"time"
)

// NamePrefix namespaces every container the engine owns, so ListAlive can
// tell engine workers apart from unrelated containers on the same daemon.
const NamePrefix = "agentengine-"

// ContainerName builds the deterministic container name for a worker slot.
func ContainerName(workerID string) string { return NamePrefix + workerID }

// WorkerFromContainerName recovers the worker id from a container name, or
// "" if the name is not one of ours.
func WorkerFromContainerName(name string) string {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, NamePrefix) {
		return ""
	}
	return strings.TrimPrefix(name, NamePrefix)
}

// Spec describes one worker container launch.
type Spec struct {
	WorkerID string
	Image    string
	Env      map[string]string
	Cmd      []string

	// RepoDir is bind-mounted read-only; WorktreeDir and LogDir read-write.
	// All three keep their host paths inside the container so the
	// worktree's .git link file stays valid.
	RepoDir     string
	WorktreeDir string
	LogDir      string

	// GitPointerPath is the worktree's .git link file, bind-mounted
	// read-only over the read-write worktree mount so the agent cannot
	// unlink or rewrite it.
	GitPointerPath string

	// CallbackHostAlias maps a hostname inside the container to the
	// gateway on the host loopback ("host.docker.internal:host-gateway").
	CallbackHostAlias string

	// Optional resource caps; zero means unlimited.
	CPULimit         float64
	MemoryLimitBytes int64
}

// Handle identifies one running container.
type Handle struct {
	ID       string
	WorkerID string
}

// ContainerRuntime launches, observes, and reaps worker containers.
type ContainerRuntime interface {
	// Start creates and starts a container from spec.
	Start(ctx context.Context, spec *Spec) (*Handle, error)

	// Wait blocks until the container exits and returns its exit code.
	// Cancelling ctx abandons the wait without touching the container.
	Wait(ctx context.Context, handle *Handle) (int, error)

	// Stop sends SIGTERM, waits grace, then SIGKILLs.
	Stop(ctx context.Context, handle *Handle, grace time.Duration) error

	// LogsStream follows the container's stdout/stderr.
	LogsStream(ctx context.Context, handle *Handle) (io.ReadCloser, error)

	// ListAlive returns a handle for every engine-owned container still
	// running on the daemon.
	ListAlive(ctx context.Context) ([]Handle, error)
}

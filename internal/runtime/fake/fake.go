// Package fake provides an in-memory ContainerRuntime for tests. A test
// scripts each container's log output and exit code, and can block the exit
// until it decides the container is done.
package fake

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"agentengine/internal/runtime"
)

// Container is one scripted container instance.
type Container struct {
	Handle   runtime.Handle
	Spec     runtime.Spec
	ExitCode int

	exited   chan struct{}
	exitOnce sync.Once
	stopped  bool
}

// Exit releases every Wait call with the given exit code. Safe to call more
// than once; only the first code wins.
func (c *Container) Exit(code int) {
	c.exitOnce.Do(func() {
		c.ExitCode = code
		close(c.exited)
	})
}

// Runtime is the fake ContainerRuntime.
type Runtime struct {
	mu      sync.Mutex
	seq     int
	running map[string]*Container

	// LogOutput is handed to every container's log stream.
	LogOutput string
	// AutoExitCode, when non-negative, makes containers exit immediately
	// with that code instead of waiting for an explicit Exit call.
	AutoExitCode int
	// StartErr, when set, fails the next Start call.
	StartErr error
	// OnStart is invoked with each started container, letting a test
	// capture the instance for later scripting.
	OnStart func(*Container)
}

// New returns a fake runtime whose containers exit 0 immediately.
func New() *Runtime {
	return &Runtime{running: make(map[string]*Container), AutoExitCode: 0}
}

// NewManual returns a fake runtime whose containers run until a test calls
// Exit on them.
func NewManual() *Runtime {
	return &Runtime{running: make(map[string]*Container), AutoExitCode: -1}
}

func (r *Runtime) Start(ctx context.Context, spec *runtime.Spec) (*runtime.Handle, error) {
	r.mu.Lock()
	if r.StartErr != nil {
		err := r.StartErr
		r.StartErr = nil
		r.mu.Unlock()
		return nil, err
	}
	r.seq++
	c := &Container{
		Handle: runtime.Handle{ID: fmt.Sprintf("fake-%d", r.seq), WorkerID: spec.WorkerID},
		Spec:   *spec,
		exited: make(chan struct{}),
	}
	r.running[c.Handle.ID] = c
	onStart := r.OnStart
	auto := r.AutoExitCode
	r.mu.Unlock()

	if onStart != nil {
		onStart(c)
	}
	if auto >= 0 {
		c.Exit(auto)
	}
	return &c.Handle, nil
}

func (r *Runtime) Wait(ctx context.Context, handle *runtime.Handle) (int, error) {
	r.mu.Lock()
	c, ok := r.running[handle.ID]
	r.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("unknown container %s", handle.ID)
	}
	select {
	case <-c.exited:
		r.mu.Lock()
		delete(r.running, handle.ID)
		r.mu.Unlock()
		return c.ExitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (r *Runtime) Stop(ctx context.Context, handle *runtime.Handle, grace time.Duration) error {
	r.mu.Lock()
	c, ok := r.running[handle.ID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if !c.stopped {
		c.stopped = true
		c.Exit(137)
	}
	return nil
}

func (r *Runtime) LogsStream(ctx context.Context, handle *runtime.Handle) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(r.LogOutput)), nil
}

func (r *Runtime) ListAlive(ctx context.Context) ([]runtime.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var handles []runtime.Handle
	for _, c := range r.running {
		handles = append(handles, c.Handle)
	}
	return handles, nil
}

var _ runtime.ContainerRuntime = (*Runtime)(nil)

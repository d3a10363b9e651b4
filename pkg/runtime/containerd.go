package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/zedinhost/arkd/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace all game server
	// containers live in.
	DefaultNamespace = "arkd"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// State is the coarse container state the lifecycle controller acts on.
type State string

const (
	StateNotFound State = "not-found"
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
)

// Status is a live observation of one container.
type Status struct {
	State    State
	ExitCode uint32
}

// ContainerdRuntime drives game server containers through containerd.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to the containerd socket.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Create builds a container from a run spec. The image is pulled on first
// use. The container shares the host network namespace: the game engine
// binds its ports directly, which is why the allocator probes host
// bindability beforehand.
func (r *ContainerdRuntime) Create(ctx context.Context, spec *types.ContainerRunSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
		}
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
	}

	mounts := make([]specs.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithMounts(mounts),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}

	_, err = r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	return nil
}

// Start launches the container's task with all output captured to logPath.
func (r *ContainerdRuntime) Start(ctx context.Context, name, logPath string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	creator := cio.NullIO
	if logPath != "" {
		creator = cio.LogFile(logPath)
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Stop terminates the container's task, SIGTERM first and SIGKILL after the
// timeout. A container with no task is already stopped.
func (r *ContainerdRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Remove deletes a container and its snapshot. Missing containers are fine.
func (r *ContainerdRuntime) Remove(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// Status observes the live container state. A missing container or a
// container with no task reports cleanly instead of erroring: out-of-band
// death is an expected condition, not a failure.
func (r *ContainerdRuntime) Status(ctx context.Context, name string) (Status, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Status{State: StateNotFound}, nil
		}
		return Status{}, fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Status{State: StateCreated}, nil
		}
		return Status{}, fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return Status{State: StateRunning}, nil
	case containerd.Created:
		return Status{State: StateCreated}, nil
	default:
		return Status{State: StateStopped, ExitCode: status.ExitStatus}, nil
	}
}

// IsRunning reports whether the container has a live running task.
func (r *ContainerdRuntime) IsRunning(ctx context.Context, name string) bool {
	status, err := r.Status(ctx, name)
	if err != nil {
		return false
	}
	return status.State == StateRunning
}

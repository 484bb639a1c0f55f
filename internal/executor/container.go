package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Container runs the plugin inside a containerd container with a readonly
// root, scoped seccomp profile, and cgroup resource caps. Used by the
// maximum isolation level.
type Container struct {
	client *ContainerdClient
}

// NewContainer connects to containerd and returns the container backend.
func NewContainer(ctx context.Context, opts ContainerOptions) (*Container, error) {
	client, err := ConnectContainerd(ctx, opts.Socket, opts.Namespace)
	if err != nil {
		return nil, err
	}
	return &Container{client: client}, nil
}

func (b *Container) Start(ctx context.Context, spec RunSpec) (Execution, error) {
	manifest := spec.Plugin.Manifest
	if manifest.Image == "" {
		return nil, fmt.Errorf("plugin %s has no image for containerized execution", manifest.ID())
	}

	argsJSON, err := json.Marshal(spec.Args)
	if err != nil {
		return nil, fmt.Errorf("encoding plugin arguments: %w", err)
	}

	image, err := b.client.EnsureImage(ctx, manifest.Image)
	if err != nil {
		return nil, err
	}

	containerID := "warden-" + spec.SandboxID
	nsCtx := b.client.WithNamespace(ctx)

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostname("sandbox"),
	}
	if len(manifest.Command) > 0 {
		specOpts = append(specOpts, oci.WithProcessArgs(manifest.Command...))
	}
	specOpts = append(specOpts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		applyPluginSecurity(s, manifest.Permissions)
		applyPluginLimits(s, manifest.Limits)

		// The sandbox workspace is the only writable host surface.
		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: "/workspace",
			Type:        "bind",
			Source:      spec.Env.WorkDir,
			Options:     []string{"rbind", "rw"},
		})
		s.Process.Cwd = "/workspace"
		s.Process.Env = append([]string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=/tmp",
			"LANG=C.UTF-8",
		}, spec.Env.Environ...)
		return nil
	})

	container, err := b.client.Raw().NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	var stdout, stderr limitedBuffer
	stdout.limit = outputCapBytes
	stderr.limit = outputCapBytes

	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(bytes.NewReader(argsJSON), &stdout, &stderr)),
	)
	if err != nil {
		_ = container.Delete(b.client.WithNamespace(context.Background()), containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("creating task: %w", err)
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		_, _ = task.Delete(b.client.WithNamespace(context.Background()), containerd.WithProcessKill)
		_ = container.Delete(b.client.WithNamespace(context.Background()), containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("waiting on task: %w", err)
	}

	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(b.client.WithNamespace(context.Background()), containerd.WithProcessKill)
		_ = container.Delete(b.client.WithNamespace(context.Background()), containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("starting task: %w", err)
	}

	log.Debug().
		Str("plugin_id", manifest.ID()).
		Str("container_id", containerID).
		Uint32("pid", task.Pid()).
		Msg("plugin container started")

	e := &containerExecution{
		client:    b.client,
		container: container,
		task:      task,
		pid:       int(task.Pid()),
		stdout:    &stdout,
		stderr:    &stderr,
		done:      make(chan struct{}),
	}

	go func() {
		status := <-exitCh
		e.exitCode = int(status.ExitCode())
		e.waitErr = status.Error()
		e.cleanup()
		close(e.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			e.Kill()
		case <-e.done:
		}
	}()

	return e, nil
}

func (b *Container) Close() error {
	return b.client.Close()
}

type containerExecution struct {
	client    *ContainerdClient
	container containerd.Container
	task      containerd.Task
	pid       int
	stdout    *limitedBuffer
	stderr    *limitedBuffer

	done     chan struct{}
	exitCode int
	waitErr  error

	killOnce sync.Once
}

func (e *containerExecution) Wait() Outcome {
	<-e.done

	return Outcome{
		Output:   decodeOutput(e.stdout.String()),
		Stdout:   e.stdout.String(),
		Stderr:   e.stderr.String(),
		ExitCode: e.exitCode,
		Err:      e.waitErr,
	}
}

func (e *containerExecution) Kill() {
	e.killOnce.Do(func() {
		ctx := e.client.WithNamespace(context.Background())
		if err := e.task.Kill(ctx, 9); err != nil {
			log.Warn().Err(err).Msg("failed to kill plugin container task")
		}
	})
}

func (e *containerExecution) PID() int {
	return e.pid
}

// cleanup tears the task and container down with a background context so
// a cancelled execution context cannot strand them.
func (e *containerExecution) cleanup() {
	ctx := e.client.WithNamespace(context.Background())
	if _, err := e.task.Delete(ctx, containerd.WithProcessKill); err != nil {
		log.Error().Err(err).Msg("task delete failed")
	}
	if err := e.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		log.Error().Err(err).Msg("container delete failed")
	}
}

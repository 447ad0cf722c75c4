// Package containerrunner is a sample capability Runner that executes a
// task by running a short-lived OCI container via containerd and
// reporting its captured stdout as the task's sole artifact. It exists to
// give the corpus's containerd/runtime-spec stack a concrete home behind
// the runner.Registry dispatch contract; real capability implementations
// are expected to live outside this module.
package containerrunner

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/runner"
	"github.com/cuemby/compute-node/pkg/types"
)

const defaultNamespace = "compute-node"

// Config configures the containerd connection and the image/command used
// to execute the capability's work.
type Config struct {
	SocketPath string
	Namespace  string
	Image      string
	Args       []string
	Env        []string
	Timeout    time.Duration
}

// Runner runs one task per container invocation through containerd.
type Runner struct {
	client     *containerd.Client
	namespace  string
	capability string
	cfg        Config
}

// New connects to containerd and returns a Runner registered under
// capability.
func New(capability string, cfg Config) (*Runner, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/run/containerd/containerd.sock"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.Configuration, "connect to containerd", err)
	}
	return &Runner{client: client, namespace: cfg.Namespace, capability: capability, cfg: cfg}, nil
}

// Close releases the containerd client connection.
func (r *Runner) Close() error { return r.client.Close() }

// Capability implements runner.Runner.
func (r *Runner) Capability() string { return r.capability }

// Run implements runner.Runner: it creates, starts, and awaits a
// single-shot container for tc.Task, returning its captured stdout as the
// task's sole artifact.
func (r *Runner) Run(tc runner.TaskContext) ([]types.UploadedArtifact, error) {
	ctx := namespaces.WithNamespace(tc.Ctx, r.namespace)
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	image, err := r.client.GetImage(ctx, r.cfg.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, r.cfg.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pull image %s: %w", r.cfg.Image, err)
		}
	}

	containerID := fmt.Sprintf("%s-%s", tc.Task.Capability, tc.Task.TaskID)
	env := append([]string{}, r.cfg.Env...)
	for k, v := range tc.Task.Metadata {
		env = append(env, fmt.Sprintf("TASK_%s=%v", k, v))
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image), oci.WithEnv(env)}
	if len(r.cfg.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(r.cfg.Args...))
	}

	container, err := r.client.NewContainer(
		ctx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer container.Delete(ctx, containerd.WithSnapshotCleanup)

	var stdout bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stdout)))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	defer task.Delete(ctx, containerd.WithProcessKill)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait on task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}

	select {
	case status := <-statusC:
		if code, _, err := status.Result(); err == nil && code != 0 {
			return nil, fmt.Errorf("container exited with code %d", code)
		}
	case <-ctx.Done():
		if tc.Control != nil && tc.Control.CancelRequested() {
			task.Kill(ctx, syscall.SIGTERM)
		}
		return nil, ctx.Err()
	}

	if tc.Progress != nil {
		tc.Progress.ReportProgress("container exited, uploading stdout artifact")
	}

	if tc.Storage == nil {
		return nil, cnerrors.New(cnerrors.LocalLogic, "task context has no storage port")
	}
	artifact, err := tc.Storage.UploadArtifact(ctx, types.UploadRequest{
		RelPath:     containerID + ".log",
		ContentType: "text/plain",
		Size:        int64(stdout.Len()),
		Reader:      bytes.NewReader(stdout.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("upload stdout artifact: %w", err)
	}
	return []types.UploadedArtifact{artifact}, nil
}

// specMount aliases the runtime-spec Mount type. It is unexported, and
// Config has no field for bind mounts.
type specMount = specs.Mount

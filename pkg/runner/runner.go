// Package runner defines the Runner contract capability implementations
// satisfy, and the registry NodeLoop dispatches through.
package runner

import (
	"context"
	"fmt"
	"sync"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/types"
)

// ProgressReporter lets a Runner push a free-form progress string that the
// heartbeat driver attaches to its next heartbeat.
type ProgressReporter interface {
	ReportProgress(msg string)
}

// ControlPlane is the subset of the engine a Runner can observe: whether
// the server has asked this lease to cancel.
type ControlPlane interface {
	CancelRequested() bool
}

// StoragePort is the subset of StoragePorts a Runner needs to pull its
// task's inputs and push its produced artifacts, without depending on the
// storage package's concrete Ports type.
type StoragePort interface {
	DownloadInput(ctx context.Context, uri string) ([]types.DownloadedPart, error)
	UploadArtifact(ctx context.Context, req types.UploadRequest) (types.UploadedArtifact, error)
}

// TaskContext bundles everything a Runner needs to execute one task.
type TaskContext struct {
	Ctx      context.Context
	Task     *types.TaskSpec
	Progress ProgressReporter
	Control  ControlPlane
	Storage  StoragePort
}

// Runner executes one capability's tasks. Implementations are external to
// the core control loop by design (§9); this package only defines the
// contract and a sample dispatcher.
type Runner interface {
	// Capability returns the capability selector this Runner handles.
	Capability() string
	// Run executes tc.Task, returning the artifacts it produced or an
	// error; Registry.Dispatch wraps that error as errors.RunnerError.
	Run(tc TaskContext) ([]types.UploadedArtifact, error)
}

// Registry maps capability names to Runners and dispatches incoming
// tasks to the right one.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds r under its own Capability(). Registering a second Runner
// for the same capability replaces the first.
func (reg *Registry) Register(r Runner) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.runners[r.Capability()] = r
}

// Capabilities returns the capability selectors this node can currently
// accept work for.
func (reg *Registry) Capabilities() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.runners))
	for c := range reg.runners {
		out = append(out, c)
	}
	return out
}

// Dispatch runs tc.Task through the Runner registered for its capability.
func (reg *Registry) Dispatch(tc TaskContext) ([]types.UploadedArtifact, error) {
	reg.mu.RLock()
	r, ok := reg.runners[tc.Task.Capability]
	reg.mu.RUnlock()
	if !ok {
		return nil, cnerrors.New(cnerrors.LocalLogic, fmt.Sprintf("no runner registered for capability %q", tc.Task.Capability))
	}
	artifacts, err := r.Run(tc)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.RunnerError, "runner execution failed", err)
	}
	return artifacts, nil
}

// Package node implements the outer poll-execute-report control loop:
// ask the management service for a task, run it against a registered
// capability Runner while a heartbeat driver keeps the lease alive, and
// report the outcome back.
package node

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/compute-node/pkg/auth"
	cnclock "github.com/cuemby/compute-node/pkg/clock"
	"github.com/cuemby/compute-node/pkg/config"
	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/heartbeat"
	"github.com/cuemby/compute-node/pkg/management"
	"github.com/cuemby/compute-node/pkg/metrics"
	"github.com/cuemby/compute-node/pkg/runner"
	"github.com/cuemby/compute-node/pkg/session"
	"github.com/cuemby/compute-node/pkg/storage"
	"github.com/cuemby/compute-node/pkg/types"
)

// PollPolicy governs the backoff applied between poll attempts that find
// no task available.
type PollPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultPollPolicy backs off between 2s and 10s when idle.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MinBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second}
}

func (p PollPolicy) sample(rng *rand.Rand) time.Duration {
	span := p.MaxBackoff - p.MinBackoff
	if span <= 0 {
		return p.MinBackoff
	}
	return p.MinBackoff + time.Duration(rng.Int63n(int64(span)))
}

// Config bundles everything one Engine needs.
type Config struct {
	Capability      types.CapabilitySelector
	PollPolicy      PollPolicy
	HeartbeatPolicy session.HeartbeatPolicy
	StorageCfg      storage.Config
	HTTPClient      *http.Client
}

// Engine runs the node's main loop: poll, execute, report, repeat.
type Engine struct {
	cfg        Config
	management *management.Client
	tokens     *auth.Manager
	registry   *runner.Registry
	clock      cnclock.Clock
	rand       *rand.Rand
	logger     zerolog.Logger
}

// New builds an Engine. tokens supplies the discovery-scoped access
// bundle used to authenticate management requests.
func New(cfg Config, managementBaseURL string, tokens *auth.Manager, registry *runner.Registry, logger zerolog.Logger) *Engine {
	if cfg.PollPolicy == (PollPolicy{}) {
		cfg.PollPolicy = DefaultPollPolicy()
	}
	mgmt := management.New(managementBaseURL, newManagementBearer(tokens), cfg.HTTPClient)
	return &Engine{
		cfg:        cfg,
		management: mgmt,
		tokens:     tokens,
		registry:   registry,
		clock:      cnclock.System{},
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
	}
}

// Start waits for gate to confirm registration, then starts the access
// token manager's background refresher and runs the node loop. Passing a
// nil gate skips the wait, for embedders and tests with no registration
// subsystem to coordinate with.
func (e *Engine) Start(ctx context.Context, gate *config.RegistrationGate) error {
	if gate != nil {
		if err := gate.Wait(ctx); err != nil {
			return err
		}
	}
	e.tokens.StartBackground(ctx)
	defer e.tokens.Stop()
	return e.Run(ctx)
}

// Run drives the node loop until ctx is cancelled. Transport errors while
// polling are logged and backed off; a poll that succeeds but finds no
// task also backs off before retrying.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		polled, err := e.RunOnce(ctx)
		if err != nil {
			e.logger.Error().Err(err).Msg("task cycle failed")
		}
		if !polled {
			if !e.sleep(ctx, e.cfg.PollPolicy.sample(e.rand)) {
				return ctx.Err()
			}
		}
	}
}

// RunOnce polls for a single task and, if one was available, runs it to
// completion. It reports whether a task was found, independent of
// whether running it succeeded.
func (e *Engine) RunOnce(ctx context.Context) (polled bool, err error) {
	env, err := e.management.Poll(ctx, e.cfg.Capability)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if env == nil {
		metrics.PollsTotal.WithLabelValues("empty").Inc()
		return false, nil
	}
	metrics.PollsTotal.WithLabelValues("task").Inc()
	return true, e.runCycle(ctx, *env)
}

// runCycle executes exactly one lease end to end: start the session, post
// the initial heartbeat, run the runner and heartbeat driver concurrently,
// and report the outcome.
func (e *Engine) runCycle(parent context.Context, env types.LeaseEnvelope) error {
	sess, err := session.StartSession(env, e.cfg.HeartbeatPolicy)
	if err != nil {
		return err
	}
	logger := e.logger.With().Str("lease_id", env.LeaseID).Str("capability", env.Task.Capability).Logger()

	if sess.Snapshot().Cancel {
		logger.Info().Msg("lease already cancelled, skipping")
		metrics.TasksCompletedTotal.WithLabelValues(env.Task.Capability, "cancelled").Inc()
		return nil
	}

	metrics.LeasesStartedTotal.Inc()
	metrics.LeasesActive.Inc()
	defer metrics.LeasesActive.Dec()
	cycleTimer := metrics.NewTimer()
	defer cycleTimer.ObserveDurationVec(metrics.TaskDuration, env.Task.Capability)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	initResp, err := e.management.PostHeartbeat(ctx, types.HeartbeatRequest{LeaseID: env.LeaseID})
	if err != nil {
		metrics.TasksCompletedTotal.WithLabelValues(env.Task.Capability, "initial_heartbeat_error").Inc()
		return err
	}
	if err := sess.ApplyHeartbeat(initResp); err != nil {
		return err
	}
	if initResp.Cancel {
		logger.Info().Msg("initial heartbeat cancelled the lease, skipping")
		metrics.TasksCompletedTotal.WithLabelValues(env.Task.Capability, "cancelled").Inc()
		return nil
	}

	snap := sess.Snapshot()
	outputsPrefix := ""
	if snap.Task != nil {
		outputsPrefix = snap.Task.OutputsPrefix
	}
	storagePorts := storage.New(snap.DomainServerURL, outputsPrefix, newStorageBearer(sess.StorageToken()), e.cfg.HTTPClient, e.cfg.StorageCfg)

	driver := heartbeat.NewDriver(heartbeat.Args{
		Session:   sess,
		Transport: e.management,
		Clock:     e.clock,
		Rand:      e.rand,
		Logger:    logger,
	})

	runnerDone := make(chan struct{})
	var artifacts []types.UploadedArtifact
	var runErr error

	go func() {
		defer close(runnerDone)
		artifacts, runErr = e.registry.Dispatch(runner.TaskContext{
			Ctx:      ctx,
			Task:     env.Task,
			Progress: driver,
			Control:  driver,
			Storage:  storagePorts,
		})
	}()

	outcome, hbErr := driver.Run(ctx, runnerDone)
	<-runnerDone

	switch outcome {
	case heartbeat.Cancelled, heartbeat.LostLease:
		cancel()
		metrics.TasksCompletedTotal.WithLabelValues(env.Task.Capability, outcome.String()).Inc()
		logger.Warn().Str("outcome", outcome.String()).Msg("lease ended before task completed")
		return nil
	}

	if hbErr != nil {
		metrics.TasksCompletedTotal.WithLabelValues(env.Task.Capability, "heartbeat_error").Inc()
		return hbErr
	}
	jobInfo := jobInfoFor(sess.Snapshot())
	if runErr != nil {
		metrics.TasksCompletedTotal.WithLabelValues(env.Task.Capability, "failed").Inc()
		return e.reportFailure(parent, env.LeaseID, runErr, jobInfo, artifacts)
	}
	metrics.TasksCompletedTotal.WithLabelValues(env.Task.Capability, "succeeded").Inc()
	return e.reportSuccess(parent, env.LeaseID, artifacts, jobInfo)
}

// jobInfoFor builds the job-identity map embedded in completion/failure
// reports, from the session's current view of the task.
func jobInfoFor(snap session.Snapshot) map[string]interface{} {
	info := map[string]interface{}{"domain_id": snap.DomainID}
	if snap.Task != nil {
		info["task_id"] = snap.Task.TaskID
		info["job_id"] = snap.Task.JobID
		info["capability"] = snap.Task.Capability
	}
	return info
}

func (e *Engine) reportSuccess(ctx context.Context, leaseID string, artifacts []types.UploadedArtifact, jobInfo map[string]interface{}) error {
	req := types.CompleteTaskRequest{
		OutputsIndex: types.OutputsIndex{Artifacts: artifacts},
		Result:       map[string]interface{}{"job": jobInfo, "artifacts": artifacts},
	}
	return e.management.Complete(ctx, leaseID, req)
}

func (e *Engine) reportFailure(ctx context.Context, leaseID string, runErr error, jobInfo map[string]interface{}, artifacts []types.UploadedArtifact) error {
	req := types.FailTaskRequest{
		Reason:  runErr.Error(),
		Details: map[string]interface{}{"job": jobInfo, "artifacts": artifacts},
	}
	if err := e.management.Fail(ctx, leaseID, req); err != nil {
		return cnerrors.Wrap(cnerrors.TransportTransient, "report task failure", err)
	}
	return nil
}

// sleep waits for d or ctx cancellation, returning false if ctx won.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}

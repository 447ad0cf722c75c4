// Package heartbeat runs the single-threaded event loop that keeps a
// lease alive: it posts heartbeats on a policy-sampled schedule, forwards
// runner progress immediately, and detects server-initiated cancellation
// or lease loss.
package heartbeat

import (
	"context"
	"math/rand"

	"github.com/rs/zerolog"

	cnclock "github.com/cuemby/compute-node/pkg/clock"
	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/metrics"
	"github.com/cuemby/compute-node/pkg/session"
	"github.com/cuemby/compute-node/pkg/types"
)

// Outcome is the terminal result of a heartbeat driver run.
type Outcome int

const (
	// Completed means the runner finished and the caller should stop
	// heartbeating and report the result.
	Completed Outcome = iota
	// Cancelled means the server asked this lease to stop.
	Cancelled
	// LostLease means a heartbeat post failed with a non-retryable error,
	// or its response could not be merged into the session, so the lease
	// can no longer be trusted. The server sends no explicit lease-lost
	// signal.
	LostLease
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case LostLease:
		return "lost_lease"
	default:
		return "unknown"
	}
}

// Transport posts heartbeats to the management service.
type Transport interface {
	PostHeartbeat(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error)
}

// Args bundles everything a Driver needs for one lease's lifetime.
type Args struct {
	Session   *session.Session
	Transport Transport
	Clock     cnclock.Clock
	Rand      *rand.Rand
	Logger    zerolog.Logger
}

// Driver runs the heartbeat loop for one active lease. It is not safe for
// concurrent use; one Driver instance belongs to one NodeLoop iteration.
type Driver struct {
	args Args

	cancelRequested bool
	progressCh      chan string
	doneCh          chan struct{}

	pendingProgress string
	trackedTaskID   string
}

// NewDriver builds a Driver for args.
func NewDriver(args Args) *Driver {
	if args.Clock == nil {
		args.Clock = cnclock.System{}
	}
	d := &Driver{
		args:       args,
		progressCh: make(chan string, 1),
		doneCh:     make(chan struct{}),
	}
	if snap := args.Session.Snapshot(); snap.Task != nil {
		d.trackedTaskID = snap.Task.TaskID
	}
	return d
}

// ReportProgress implements runner.ProgressReporter: it is called by a
// Runner from a different goroutine than Run, so the message is queued
// for Run, which posts it in a heartbeat as soon as it receives it.
func (d *Driver) ReportProgress(msg string) {
	select {
	case d.progressCh <- msg:
	default:
		// a progress update is already queued; the newer one wins
		select {
		case <-d.progressCh:
		default:
		}
		d.progressCh <- msg
	}
}

// CancelRequested implements runner.ControlPlane.
func (d *Driver) CancelRequested() bool { return d.cancelRequested }

// Run drives the heartbeat loop until the runnerDone channel closes (the
// task finished) or the server reports cancellation/lease loss. It
// returns the terminal Outcome, or an error if the transport failed
// unrecoverably.
func (d *Driver) Run(ctx context.Context, runnerDone <-chan struct{}) (Outcome, error) {
	logger := d.args.Logger.With().Str("component", "heartbeat-driver").Logger()

	for {
		due := d.args.Session.NextHeartbeatDue(d.args.Rand)
		timer := d.args.Clock.NewTimer(due)

		select {
		case <-runnerDone:
			timer.Stop()
			return Completed, nil

		case msg := <-d.progressCh:
			timer.Stop()
			d.pendingProgress = msg
			outcome, done, err := d.sendAndUpdate(ctx)
			if done {
				return outcome, err
			}

		case <-timer.C():
			outcome, done, err := d.sendAndUpdate(ctx)
			if done {
				return outcome, err
			}

		case <-ctx.Done():
			timer.Stop()
			return Cancelled, ctx.Err()
		}
	}
}

// sendAndUpdate posts one heartbeat, merges the response into the
// session, and reports whether the loop is now done (and with what
// outcome).
func (d *Driver) sendAndUpdate(ctx context.Context) (Outcome, bool, error) {
	snap := d.args.Session.Snapshot()
	req := types.HeartbeatRequest{LeaseID: snap.LeaseID, Progress: d.pendingProgress}
	d.pendingProgress = ""

	timer := metrics.NewTimer()
	resp, err := d.args.Transport.PostHeartbeat(ctx, req)
	timer.ObserveDuration(metrics.HeartbeatLatency)
	if err != nil {
		if cnerrors.Is(err, cnerrors.AuthExpired) {
			metrics.HeartbeatsPostedTotal.WithLabelValues("auth_expired").Inc()
			d.args.Logger.Warn().Err(err).Msg("heartbeat auth expired, will retry on next tick")
			return 0, false, nil
		}
		if cnerrors.Is(err, cnerrors.TransportTransient) {
			metrics.HeartbeatsPostedTotal.WithLabelValues("transport_error").Inc()
			d.args.Logger.Warn().Err(err).Msg("heartbeat transport error, will retry on next tick")
			return 0, false, nil
		}
		metrics.HeartbeatsPostedTotal.WithLabelValues("fatal_error").Inc()
		d.cancelRequested = true
		return LostLease, true, err
	}
	metrics.HeartbeatsPostedTotal.WithLabelValues("ok").Inc()

	if resp.StorageBearer != nil {
		metrics.StorageBearerRotationsTotal.Inc()
	}
	if resp.ReplacementTask != nil {
		d.trackedTaskID = resp.ReplacementTask.TaskID
	} else if resp.TaskID != "" {
		d.trackedTaskID = resp.TaskID
	}

	if err := d.args.Session.ApplyHeartbeat(resp); err != nil {
		d.cancelRequested = true
		return LostLease, true, err
	}
	if resp.Cancel {
		d.cancelRequested = true
		return Cancelled, true, nil
	}
	return 0, false, nil
}

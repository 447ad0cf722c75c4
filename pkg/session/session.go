package session

import (
	"math/rand"
	"sync"
	"time"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/types"
)

// HeartbeatPolicy governs how the next heartbeat-due instant is sampled
// from the current lease TTL: uniformly between Min and Max ratios of the
// TTL, clamped to [Floor, TTL].
type HeartbeatPolicy struct {
	MinRatio float64
	MaxRatio float64
	Floor    time.Duration
}

// DefaultHeartbeatPolicy matches the upstream 0.55..0.65 sampling window,
// with a 100ms floor.
func DefaultHeartbeatPolicy() HeartbeatPolicy {
	return HeartbeatPolicy{MinRatio: 0.55, MaxRatio: 0.65, Floor: 100 * time.Millisecond}
}

// NextInterval samples a heartbeat-due duration for the given TTL.
func (p HeartbeatPolicy) NextInterval(rng *rand.Rand, ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return p.Floor
	}
	span := p.MaxRatio - p.MinRatio
	ratio := p.MinRatio
	if span > 0 {
		ratio += rng.Float64() * span
	}
	d := time.Duration(float64(ttl) * ratio)
	if d < p.Floor {
		d = p.Floor
	}
	if d > ttl {
		d = ttl
	}
	return d
}

// Phase is where a session sits in its lifecycle: Pending until the first
// heartbeat response is merged in, Running from then on.
type Phase int

const (
	PhasePending Phase = iota
	PhaseRunning
)

func (p Phase) String() string {
	if p == PhaseRunning {
		return "running"
	}
	return "pending"
}

// Snapshot is an immutable view of the active lease's state, safe to hand
// to a heartbeat driver or runner without sharing the Session's lock.
type Snapshot struct {
	LeaseID         string
	Task            *types.TaskSpec
	TTL             time.Duration
	DomainServerURL string
	DomainID        string
	Cancel          bool
	Phase           Phase
}

// Session tracks one active lease end to end: the task it wraps, the
// lease-scoped storage bearer (held in a TokenCell so heartbeats can
// rotate it without blocking readers), and the heartbeat policy.
type Session struct {
	mu       sync.Mutex
	leaseID  string
	task     *types.TaskSpec
	ttl      time.Duration
	storage  *TokenCell
	domain   string
	domainID string
	meta     map[string]string
	policy   HeartbeatPolicy
	cancel   bool
	phase    Phase
}

// StartSession begins tracking a freshly-granted lease.
func StartSession(env types.LeaseEnvelope, policy HeartbeatPolicy) (*Session, error) {
	if env.Task == nil {
		return nil, cnerrors.New(cnerrors.LocalLogic, "lease envelope missing task")
	}
	return &Session{
		leaseID:  env.LeaseID,
		task:     env.Task,
		ttl:      env.TTL,
		storage:  NewTokenCell(env.StorageBearer.Token),
		domain:   lookupDomainURL(env.DomainServerURL, env.Meta),
		domainID: env.DomainID,
		meta:     env.Meta,
		policy:   policy,
		cancel:   env.Cancel,
		phase:    PhasePending,
	}, nil
}

// ApplyHeartbeat merges a HeartbeatResponse into the session: extending
// the TTL, rotating the storage bearer if one was issued, adopting the
// tracked task's identity (wholesale if a replacement task is present,
// otherwise field by field), updating domain routing, and unconditionally
// adopting the response's cancel flag. It does not decide whether the
// lease is still alive -- Cancelled/LostLease outcomes are the heartbeat
// driver's call, derived from this response and from transport errors,
// not from this merge.
func (s *Session) ApplyHeartbeat(resp types.HeartbeatResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.ReplacementTask != nil {
		task := *resp.ReplacementTask
		s.task = &task
	} else if s.task != nil {
		task := *s.task
		if resp.TaskID != "" {
			task.TaskID = resp.TaskID
		}
		if resp.JobID != "" {
			task.JobID = resp.JobID
		}
		if resp.Attempts != nil {
			task.Attempts = resp.Attempts
		}
		if resp.MaxAttempts != nil {
			task.MaxAttempts = resp.MaxAttempts
		}
		if resp.DepsRemaining != nil {
			task.DepsRemaining = resp.DepsRemaining
		}
		s.task = &task
	}

	if resp.TTL > 0 {
		s.ttl = resp.TTL
	}
	if resp.StorageBearer != nil {
		s.storage.Set(resp.StorageBearer.Token)
	}
	if resp.DomainID != "" {
		s.domainID = resp.DomainID
	}
	if resp.DomainServerURL != "" {
		s.domain = resp.DomainServerURL
	} else if len(resp.Meta) > 0 {
		s.domain = lookupDomainURL(s.domain, resp.Meta)
	}
	s.phase = PhaseRunning
	s.cancel = resp.Cancel
	return nil
}

// NextHeartbeatDue samples the next heartbeat-due duration from the
// session's current TTL and policy.
func (s *Session) NextHeartbeatDue(rng *rand.Rand) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.NextInterval(rng, s.ttl)
}

// Snapshot returns a point-in-time copy of the session's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		LeaseID:         s.leaseID,
		Task:            s.task,
		TTL:             s.ttl,
		DomainServerURL: s.domain,
		DomainID:        s.domainID,
		Cancel:          s.cancel,
		Phase:           s.phase,
	}
}

// StorageToken returns the lease-scoped storage bearer's TokenCell, which
// HeartbeatDriver rotates in place as refreshed bearers arrive.
func (s *Session) StorageToken() *TokenCell { return s.storage }

// MatchesCapability reports whether sel names this session's task's
// capability.
func (s *Session) MatchesCapability(sel types.CapabilitySelector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil && s.task.Capability == sel.Capability
}

// lookupDomainURL resolves the domain server URL, falling back to
// meta["domain_server_url"] and then meta["legacy.domain_server_url"]
// when the envelope/response did not carry it directly -- the exact
// fallback chain the original implementation uses.
func lookupDomainURL(direct string, meta map[string]string) string {
	if direct != "" {
		return direct
	}
	if meta == nil {
		return ""
	}
	if v, ok := meta["domain_server_url"]; ok && v != "" {
		return v
	}
	if v, ok := meta["legacy.domain_server_url"]; ok && v != "" {
		return v
	}
	return ""
}

package auth

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cnclock "github.com/cuemby/compute-node/pkg/clock"
	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/metrics"
	"github.com/cuemby/compute-node/pkg/types"
)

// TokenManagerConfig tunes refresh timing and retry budget.
type TokenManagerConfig struct {
	// SafetyRatio is the fraction of the token's TTL that elapses before a
	// background refresh is attempted (default 0.75).
	SafetyRatio float64
	// MaxRetries is the number of reauth retries after the first attempt,
	// so one refresh makes at most MaxRetries+1 attempts (default 3).
	MaxRetries int
	// Jitter is the maximum symmetric jitter added to the computed
	// refresh-at instant (default 500ms).
	Jitter time.Duration
}

// DefaultTokenManagerConfig matches the upstream defaults.
func DefaultTokenManagerConfig() TokenManagerConfig {
	return TokenManagerConfig{SafetyRatio: 0.75, MaxRetries: 3, Jitter: 500 * time.Millisecond}
}

// Reauthenticator performs the SIWE challenge/response exchange and
// returns a fresh AccessBundle.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) (types.AccessBundle, error)
}

// entry is the cached bearer plus the instant it should be refreshed by.
type entry struct {
	bundle    types.AccessBundle
	refreshAt time.Time
}

// inflight coalesces concurrent callers into a single reauth attempt,
// implementing the singleflight pattern the upstream token manager uses.
type inflight struct {
	done chan struct{}
	res  types.AccessBundle
	err  error
}

// Manager is the AccessTokenManager: a singleflight bearer cache with a
// background refresher and forced-invalidation support.
type Manager struct {
	cfg    TokenManagerConfig
	auth   Reauthenticator
	clock  cnclock.Clock
	rand   *rand.Rand
	logger zerolog.Logger

	mu      sync.Mutex
	current *entry
	flight  *inflight
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager. rng may be nil to use a process-seeded source;
// tests should pass a seeded *rand.Rand for determinism.
func New(reauth Reauthenticator, cfg TokenManagerConfig, clk cnclock.Clock, rng *rand.Rand, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = cnclock.System{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		cfg:    cfg,
		auth:   reauth,
		clock:  clk,
		rand:   rng,
		logger: logger.With().Str("component", "access-token-manager").Logger(),
		stopCh: make(chan struct{}),
	}
}

// GetAccess returns a currently-valid bearer token, reauthenticating (or
// joining an in-flight reauthentication) if none is cached or the cached
// one is expired.
func (m *Manager) GetAccess(ctx context.Context) (types.AccessBundle, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return types.AccessBundle{}, cnerrors.New(cnerrors.LocalLogic, "token manager stopped")
	}
	now := m.clock.Now()
	if m.current != nil && !m.current.refreshAt.Before(now) {
		b := m.current.bundle
		m.mu.Unlock()
		return b, nil
	}
	if m.flight != nil {
		fl := m.flight
		m.mu.Unlock()
		select {
		case <-fl.done:
			return fl.res, fl.err
		case <-ctx.Done():
			return types.AccessBundle{}, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	m.flight = fl
	m.mu.Unlock()

	bundle, err := m.reauthWithRetry(ctx)
	if err == nil {
		metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
	}

	m.mu.Lock()
	fl.res, fl.err = bundle, err
	if err == nil {
		m.current = m.bundleToEntry(bundle)
	}
	m.flight = nil
	m.mu.Unlock()
	close(fl.done)

	return bundle, err
}

// OnUnauthorized forces the next GetAccess call to reauthenticate,
// rewriting the cached refresh-at to "now minus epsilon" rather than
// discarding the cache outright, matching the upstream's approach so a
// concurrent reader mid-read is never handed a half-invalidated entry.
func (m *Manager) OnUnauthorized() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.bundle.Bearer.ExpiresAt = m.clock.Now().Add(-time.Millisecond)
		m.current.refreshAt = m.current.bundle.Bearer.ExpiresAt
		metrics.TokenForcedInvalidationsTotal.Inc()
	}
}

// Stop halts the background refresher and fails any pending GetAccess
// callers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) reauthWithRetry(ctx context.Context) (types.AccessBundle, error) {
	var lastErr error
	attempts := m.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		bundle, err := m.auth.Reauthenticate(ctx)
		if err == nil {
			return bundle, nil
		}
		lastErr = err
		if cnerrors.Is(err, cnerrors.Configuration) {
			break
		}
		select {
		case <-ctx.Done():
			return types.AccessBundle{}, ctx.Err()
		case <-m.stopCh:
			return types.AccessBundle{}, cnerrors.New(cnerrors.LocalLogic, "token manager stopped")
		case <-m.clock.After(backoff(attempt)):
		}
	}
	return types.AccessBundle{}, cnerrors.Wrap(cnerrors.TransportTransient, "reauthenticate after retries", lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// bundleToEntry derives the refresh-at instant: now + ttl*safetyRatio,
// perturbed by symmetric jitter, clamped to [now+epsilon, expiresAt].
func (m *Manager) bundleToEntry(bundle types.AccessBundle) *entry {
	now := m.clock.Now()
	ttl := bundle.Bearer.ExpiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	target := now.Add(time.Duration(float64(ttl) * m.cfg.SafetyRatio))

	jitter := m.cfg.Jitter
	if jitter > 0 {
		offset := time.Duration(m.rand.Int63n(int64(2*jitter))) - jitter
		target = target.Add(offset)
	}

	epsilon := time.Millisecond
	if target.Before(now.Add(epsilon)) {
		target = now.Add(epsilon)
	}
	if target.After(bundle.Bearer.ExpiresAt) {
		target = bundle.Bearer.ExpiresAt
	}
	return &entry{bundle: bundle, refreshAt: target}
}

// StartBackground launches the refresher goroutine, which proactively
// reauthenticates shortly before the cached bearer's refresh-at instant so
// callers on the hot path rarely block on a live reauthentication.
func (m *Manager) StartBackground(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			wait := m.nextRefreshWait()
			timer := m.clock.NewTimer(wait)
			select {
			case <-timer.C():
				if _, err := m.GetAccess(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("background bearer refresh failed")
				}
			case <-ctx.Done():
				timer.Stop()
				return
			case <-m.stopCh:
				timer.Stop()
				return
			}
		}
	}()
}

func (m *Manager) nextRefreshWait() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 50 * time.Millisecond
	}
	d := m.current.refreshAt.Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}

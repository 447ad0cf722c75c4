package config

import (
	"context"
	"sync"
)

// RegistrationGate coordinates the handoff between the registration
// subsystem and the node loop: spec.md treats the registration loop itself
// as an external collaborator, but the core still must not start polling
// until registration has produced a stored secret. The gate lets whatever
// process owns that secret (in this binary, a synchronous config check;
// in an embedder that runs registration as a goroutine, an explicit
// Confirm call) signal the node loop to proceed.
type RegistrationGate struct {
	once sync.Once
	ch   chan struct{}
}

// NewRegistrationGate returns a gate that blocks until Confirm is called.
func NewRegistrationGate() *RegistrationGate {
	return &RegistrationGate{ch: make(chan struct{})}
}

// PreConfirmedGate returns a gate that is already open, for callers with no
// registration subsystem to wait on (tests, standalone runs).
func PreConfirmedGate() *RegistrationGate {
	g := NewRegistrationGate()
	g.Confirm()
	return g
}

// Confirm signals that registration has completed. Safe to call more than
// once or from multiple goroutines; only the first call has any effect.
func (g *RegistrationGate) Confirm() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until Confirm has been called or ctx is cancelled.
func (g *RegistrationGate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

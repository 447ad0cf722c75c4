package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistrationGateBlocksUntilConfirm(t *testing.T) {
	gate := NewRegistrationGate()
	done := make(chan error, 1)
	go func() {
		done <- gate.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Confirm was called")
	case <-time.After(20 * time.Millisecond):
	}

	gate.Confirm()
	require.NoError(t, <-done)
}

func TestRegistrationGateConfirmIsIdempotent(t *testing.T) {
	gate := NewRegistrationGate()
	gate.Confirm()
	gate.Confirm()
	require.NoError(t, gate.Wait(context.Background()))
}

func TestPreConfirmedGateDoesNotBlock(t *testing.T) {
	gate := PreConfirmedGate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, gate.Wait(ctx))
}

func TestRegistrationGateWaitRespectsContextCancellation(t *testing.T) {
	gate := NewRegistrationGate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, gate.Wait(ctx), context.DeadlineExceeded)
}

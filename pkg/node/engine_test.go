package node

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/compute-node/pkg/auth"
	cnclock "github.com/cuemby/compute-node/pkg/clock"
	"github.com/cuemby/compute-node/pkg/config"
	"github.com/cuemby/compute-node/pkg/runner"
	"github.com/cuemby/compute-node/pkg/session"
	"github.com/cuemby/compute-node/pkg/storage"
	"github.com/cuemby/compute-node/pkg/types"
)

// stubReauth hands out a long-lived bearer without any real SIWE exchange.
type stubReauth struct{}

func (stubReauth) Reauthenticate(ctx context.Context) (types.AccessBundle, error) {
	return types.AccessBundle{Bearer: types.Bearer{Token: "mgmt-tok", ExpiresAt: time.Now().Add(time.Hour)}}, nil
}

type echoRunner struct{ cap string }

func (r echoRunner) Capability() string { return r.cap }

func (r echoRunner) Run(tc runner.TaskContext) ([]types.UploadedArtifact, error) {
	return []types.UploadedArtifact{{Name: "out.txt", DataType: "text/plain", Bytes: 3}}, nil
}

func TestEngineRunsOneCycleToCompletion(t *testing.T) {
	var polled, completed bool

	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if polled {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		polled = true
		env := types.LeaseEnvelope{
			LeaseID: "lease-1",
			Task:    &types.TaskSpec{TaskID: "t-1", Capability: "echo"},
			TTL:     2 * time.Second,
		}
		json.NewEncoder(w).Encode(env)
	})
	mux.HandleFunc("/tasks/lease-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.HeartbeatResponse{TTL: 2 * time.Second})
	})
	mux.HandleFunc("/tasks/lease-1/complete", func(w http.ResponseWriter, r *http.Request) {
		completed = true
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tokens := auth.New(stubReauth{}, auth.DefaultTokenManagerConfig(), cnclock.System{}, rand.New(rand.NewSource(1)), zerolog.Nop())

	registry := runner.NewRegistry()
	registry.Register(echoRunner{cap: "echo"})

	cfg := Config{
		Capability:      types.CapabilitySelector{Capability: "echo"},
		PollPolicy:      PollPolicy{MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
		HeartbeatPolicy: session.DefaultHeartbeatPolicy(),
		StorageCfg:      storage.DefaultConfig(),
	}
	eng := New(cfg, srv.URL, tokens, registry, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	didPoll, err := eng.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, didPoll)
	require.True(t, polled)
	require.True(t, completed)
}

func TestEngineStartWaitsForRegistrationGate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tokens := auth.New(stubReauth{}, auth.DefaultTokenManagerConfig(), cnclock.System{}, rand.New(rand.NewSource(1)), zerolog.Nop())
	registry := runner.NewRegistry()
	eng := New(Config{
		Capability:      types.CapabilitySelector{Capability: "echo"},
		PollPolicy:      PollPolicy{MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
		HeartbeatPolicy: session.DefaultHeartbeatPolicy(),
		StorageCfg:      storage.DefaultConfig(),
	}, srv.URL, tokens, registry, zerolog.Nop())

	gate := config.NewRegistrationGate()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := eng.Start(ctx, gate)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

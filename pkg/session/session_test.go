package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/compute-node/pkg/types"
)

func testEnvelope() types.LeaseEnvelope {
	return types.LeaseEnvelope{
		LeaseID:       "lease-1",
		Task:          &types.TaskSpec{TaskID: "task-1", Capability: "scan-refine", LeaseID: "lease-1"},
		TTL:           10 * time.Second,
		StorageBearer: types.Bearer{Token: "storage-tok-1", ExpiresAt: time.Now().Add(time.Minute)},
		Meta:          map[string]string{"domain_server_url": "https://domain.example.com"},
	}
}

func TestStartSessionResolvesDomainFromMeta(t *testing.T) {
	s, err := StartSession(testEnvelope(), DefaultHeartbeatPolicy())
	require.NoError(t, err)
	require.Equal(t, "https://domain.example.com", s.Snapshot().DomainServerURL)
	require.Equal(t, "storage-tok-1", s.StorageToken().Get())
}

func TestStartSessionRequiresTask(t *testing.T) {
	env := testEnvelope()
	env.Task = nil
	_, err := StartSession(env, DefaultHeartbeatPolicy())
	require.Error(t, err)
}

func TestApplyHeartbeatRotatesTokenAndExtendsTTL(t *testing.T) {
	s, err := StartSession(testEnvelope(), DefaultHeartbeatPolicy())
	require.NoError(t, err)

	err = s.ApplyHeartbeat(types.HeartbeatResponse{
		TTL:           20 * time.Second,
		StorageBearer: &types.Bearer{Token: "storage-tok-2"},
	})
	require.NoError(t, err)
	require.Equal(t, "storage-tok-2", s.StorageToken().Get())
	require.Equal(t, 20*time.Second, s.Snapshot().TTL)
	require.Equal(t, PhaseRunning, s.Snapshot().Phase)
}

func TestApplyHeartbeatCancelIsAdoptedOntoSnapshot(t *testing.T) {
	s, err := StartSession(testEnvelope(), DefaultHeartbeatPolicy())
	require.NoError(t, err)
	require.False(t, s.Snapshot().Cancel)

	err = s.ApplyHeartbeat(types.HeartbeatResponse{Cancel: true})
	require.NoError(t, err)
	require.True(t, s.Snapshot().Cancel)
}

func TestApplyHeartbeatAdoptsReplacementTask(t *testing.T) {
	s, err := StartSession(testEnvelope(), DefaultHeartbeatPolicy())
	require.NoError(t, err)

	err = s.ApplyHeartbeat(types.HeartbeatResponse{
		ReplacementTask: &types.TaskSpec{TaskID: "task-2", Capability: "scan-refine"},
	})
	require.NoError(t, err)
	require.Equal(t, "task-2", s.Snapshot().Task.TaskID)
}

func TestApplyHeartbeatAdoptsScalarTaskFields(t *testing.T) {
	s, err := StartSession(testEnvelope(), DefaultHeartbeatPolicy())
	require.NoError(t, err)

	attempts := 2
	err = s.ApplyHeartbeat(types.HeartbeatResponse{TaskID: "task-1b", Attempts: &attempts})
	require.NoError(t, err)
	snap := s.Snapshot()
	require.Equal(t, "task-1b", snap.Task.TaskID)
	require.Equal(t, &attempts, snap.Task.Attempts)
}

func TestNextHeartbeatDueWithinPolicyWindow(t *testing.T) {
	s, err := StartSession(testEnvelope(), DefaultHeartbeatPolicy())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		d := s.NextHeartbeatDue(rng)
		require.GreaterOrEqual(t, d, 5500*time.Millisecond)
		require.LessOrEqual(t, d, 6500*time.Millisecond)
	}
}

func TestMatchesCapability(t *testing.T) {
	s, err := StartSession(testEnvelope(), DefaultHeartbeatPolicy())
	require.NoError(t, err)
	require.True(t, s.MatchesCapability(types.CapabilitySelector{Capability: "scan-refine"}))
	require.False(t, s.MatchesCapability(types.CapabilitySelector{Capability: "other"}))
}

func TestLegacyDomainURLFallback(t *testing.T) {
	env := testEnvelope()
	env.Meta = map[string]string{"legacy.domain_server_url": "https://legacy.example.com"}
	s, err := StartSession(env, DefaultHeartbeatPolicy())
	require.NoError(t, err)
	require.Equal(t, "https://legacy.example.com", s.Snapshot().DomainServerURL)
}

package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
)

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run"}
	Bind(cmd)
	return cmd
}

func TestLoadFromFlags(t *testing.T) {
	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("wallet-key", "abc123"))
	require.NoError(t, cmd.Flags().Set("discovery-url", "https://discovery.example"))
	require.NoError(t, cmd.Flags().Set("management-url", "https://mgmt.example"))
	require.NoError(t, cmd.Flags().Set("capability", "render"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	require.Equal(t, "abc123", cfg.WalletKeyHex)
	require.Equal(t, "render", cfg.Capability)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CN_WALLET_KEY", "envkey")
	t.Setenv("CN_DISCOVERY_URL", "https://discovery.example")
	t.Setenv("CN_MANAGEMENT_URL", "https://mgmt.example")
	t.Setenv("CN_CAPABILITY", "render")

	cfg, err := Load(newTestCmd())
	require.NoError(t, err)
	require.Equal(t, "envkey", cfg.WalletKeyHex)
}

func TestLoadMissingRequiredFieldsFails(t *testing.T) {
	_, err := Load(newTestCmd())
	require.Error(t, err)
	require.True(t, cnerrors.Is(err, cnerrors.Configuration))
}

func TestLoadRejectsInvertedBackoffWindow(t *testing.T) {
	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("wallet-key", "abc123"))
	require.NoError(t, cmd.Flags().Set("discovery-url", "https://discovery.example"))
	require.NoError(t, cmd.Flags().Set("management-url", "https://mgmt.example"))
	require.NoError(t, cmd.Flags().Set("capability", "render"))
	require.NoError(t, cmd.Flags().Set("poll-min-backoff", "10s"))
	require.NoError(t, cmd.Flags().Set("poll-max-backoff", "1s"))

	_, err := Load(cmd)
	require.Error(t, err)
}

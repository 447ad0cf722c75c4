// Package config resolves the compute node's startup configuration from
// cobra flags, falling back to CN_-prefixed environment variables, and
// validates it before the node loop starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
)

// Config is the full set of values a compute-node run needs.
type Config struct {
	WalletKeyHex       string
	DiscoveryURL       string
	ManagementURL      string
	NodeURL            string
	LegacyDomainURL    string
	Capability         string
	ContainerdSocket   string
	ContainerdImage    string
	LogLevel           string
	LogFormat          string
	LogJSON            bool
	RequestTimeout     time.Duration
	TokenSafetyRatio   float64
	TokenRetryBudget   int
	TokenJitter        time.Duration
	PollMinBackoff     time.Duration
	PollMaxBackoff     time.Duration
	HeartbeatJitter    time.Duration
	MultipartThresh    int64
	MultipartPartSize  int64
	MetricsAddr        string
	RegistrationSecret string
	NodeVersion        string
}

// Bind registers the run command's flags with their documented
// defaults, mirroring the teacher's persistent-flag-plus-RunE style.
func Bind(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("wallet-key", "", "Hex-encoded secp256k1 private key used to sign SIWE challenges (required)")
	cmd.Flags().String("discovery-url", "", "Discovery service base URL (required)")
	cmd.Flags().String("management-url", "", "Management service base URL (required)")
	cmd.Flags().String("node-url", "", "This node's own externally reachable URL (logged at startup)")
	cmd.Flags().String("legacy-domain-url", "", "Legacy domain server URL, used when a lease omits one")
	cmd.Flags().String("capability", "", "Capability this node accepts tasks for (required)")
	cmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	cmd.Flags().String("containerd-image", "", "OCI image the sample container runner executes")
	cmd.Flags().String("log-format", "json", "Log output format (json or text)")
	cmd.Flags().Duration("request-timeout", 30*time.Second, "Timeout applied to every outbound HTTP request")
	cmd.Flags().Float64("token-safety-ratio", 0.75, "Fraction of an access token's TTL that elapses before it is proactively refreshed")
	cmd.Flags().Int("token-retry-budget", 3, "Number of reauthentication retries after the first attempt before a refresh gives up")
	cmd.Flags().Duration("token-jitter", 500*time.Millisecond, "Maximum symmetric jitter applied to the computed token refresh time")
	cmd.Flags().Duration("poll-min-backoff", 2*time.Second, "Minimum idle-poll backoff")
	cmd.Flags().Duration("poll-max-backoff", 10*time.Second, "Maximum idle-poll backoff")
	cmd.Flags().Duration("heartbeat-jitter", 100*time.Millisecond, "Floor applied to the sampled heartbeat interval")
	cmd.Flags().Int64("multipart-threshold-bytes", 8<<20, "Artifact size at or above which uploads use multipart")
	cmd.Flags().Int64("multipart-part-size-bytes", 5<<20, "Multipart upload part size")
	cmd.Flags().String("metrics-addr", ":9090", "Address the /metrics, /healthz, /readyz and /livez endpoints listen on")
	cmd.Flags().String("registration-secret", "", "Secret issued by the out-of-process registration subsystem, confirming this node is registered with discovery")
	cmd.Flags().String("node-version", "dev", "Version string this node reports on its health and readiness endpoints")
}

// Load resolves Config from cmd's flags, falling back to CN_-prefixed
// environment variables for any flag not set explicitly on the command
// line (and to the flag's default when the variable is unset or does not
// parse), then validates the result.
func Load(cmd *cobra.Command) (Config, error) {
	cfg := Config{
		WalletKeyHex:       resolveString(cmd, "wallet-key", "CN_WALLET_KEY"),
		DiscoveryURL:       resolveString(cmd, "discovery-url", "CN_DISCOVERY_URL"),
		ManagementURL:      resolveString(cmd, "management-url", "CN_MANAGEMENT_URL"),
		NodeURL:            resolveString(cmd, "node-url", "CN_NODE_URL"),
		LegacyDomainURL:    resolveString(cmd, "legacy-domain-url", "CN_LEGACY_DOMAIN_URL"),
		Capability:         resolveString(cmd, "capability", "CN_CAPABILITY"),
		ContainerdSocket:   resolveString(cmd, "containerd-socket", "CN_CONTAINERD_SOCKET"),
		ContainerdImage:    resolveString(cmd, "containerd-image", "CN_CONTAINERD_IMAGE"),
		LogLevel:           resolveString(cmd, "log-level", "CN_LOG_LEVEL"),
		LogFormat:          resolveString(cmd, "log-format", "CN_LOG_FORMAT"),
		RequestTimeout:     resolveDuration(cmd, "request-timeout", "CN_REQUEST_TIMEOUT"),
		TokenSafetyRatio:   resolveFloat64(cmd, "token-safety-ratio", "CN_TOKEN_SAFETY_RATIO"),
		TokenRetryBudget:   resolveInt(cmd, "token-retry-budget", "CN_TOKEN_RETRY_BUDGET"),
		TokenJitter:        resolveDuration(cmd, "token-jitter", "CN_TOKEN_JITTER"),
		PollMinBackoff:     resolveDuration(cmd, "poll-min-backoff", "CN_POLL_MIN_BACKOFF"),
		PollMaxBackoff:     resolveDuration(cmd, "poll-max-backoff", "CN_POLL_MAX_BACKOFF"),
		HeartbeatJitter:    resolveDuration(cmd, "heartbeat-jitter", "CN_HEARTBEAT_JITTER"),
		MultipartThresh:    resolveInt64(cmd, "multipart-threshold-bytes", "CN_MULTIPART_THRESHOLD_BYTES"),
		MultipartPartSize:  resolveInt64(cmd, "multipart-part-size-bytes", "CN_MULTIPART_PART_SIZE_BYTES"),
		MetricsAddr:        resolveString(cmd, "metrics-addr", "CN_METRICS_ADDR"),
		RegistrationSecret: resolveString(cmd, "registration-secret", "CN_REGISTRATION_SECRET"),
		NodeVersion:        resolveString(cmd, "node-version", "CN_NODE_VERSION"),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	cfg.LogJSON = cfg.LogFormat != "text"
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var missing []string
	if c.WalletKeyHex == "" {
		missing = append(missing, "wallet-key")
	}
	if c.DiscoveryURL == "" {
		missing = append(missing, "discovery-url")
	}
	if c.ManagementURL == "" {
		missing = append(missing, "management-url")
	}
	if c.Capability == "" {
		missing = append(missing, "capability")
	}
	if len(missing) > 0 {
		return cnerrors.New(cnerrors.Configuration, fmt.Sprintf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	if c.PollMinBackoff <= 0 || c.PollMaxBackoff < c.PollMinBackoff {
		return cnerrors.New(cnerrors.Configuration, "poll-min-backoff must be positive and not exceed poll-max-backoff")
	}
	if c.MultipartPartSize <= 0 {
		return cnerrors.New(cnerrors.Configuration, "multipart-part-size-bytes must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return cnerrors.New(cnerrors.Configuration, "log-format must be json or text")
	}
	if c.TokenSafetyRatio <= 0 || c.TokenSafetyRatio >= 1 {
		return cnerrors.New(cnerrors.Configuration, "token-safety-ratio must be between 0 and 1")
	}
	if c.TokenRetryBudget < 0 {
		return cnerrors.New(cnerrors.Configuration, "token-retry-budget must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return cnerrors.New(cnerrors.Configuration, "request-timeout must be positive")
	}
	return nil
}

func resolveString(cmd *cobra.Command, flag, env string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	v, _ := cmd.Flags().GetString(flag)
	return v
}

func resolveDuration(cmd *cobra.Command, flag, env string) time.Duration {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetDuration(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	v, _ := cmd.Flags().GetDuration(flag)
	return v
}

func resolveInt64(cmd *cobra.Command, flag, env string) int64 {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetInt64(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	v, _ := cmd.Flags().GetInt64(flag)
	return v
}

func resolveInt(cmd *cobra.Command, flag, env string) int {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetInt(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	v, _ := cmd.Flags().GetInt(flag)
	return v
}

func resolveFloat64(cmd *cobra.Command, flag, env string) float64 {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetFloat64(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	v, _ := cmd.Flags().GetFloat64(flag)
	return v
}

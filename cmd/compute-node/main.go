package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/compute-node/pkg/auth"
	cnclock "github.com/cuemby/compute-node/pkg/clock"
	"github.com/cuemby/compute-node/pkg/config"
	"github.com/cuemby/compute-node/pkg/discovery"
	"github.com/cuemby/compute-node/pkg/health"
	"github.com/cuemby/compute-node/pkg/log"
	"github.com/cuemby/compute-node/pkg/metrics"
	"github.com/cuemby/compute-node/pkg/node"
	"github.com/cuemby/compute-node/pkg/runner"
	"github.com/cuemby/compute-node/pkg/runner/containerrunner"
	"github.com/cuemby/compute-node/pkg/session"
	"github.com/cuemby/compute-node/pkg/storage"
	"github.com/cuemby/compute-node/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "compute-node",
	Short:   "compute-node - a leased-capability worker for the fleet",
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Authenticate with the discovery service and run the poll-execute-report loop",
	RunE:  runNode,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("compute-node version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	config.Bind(runCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// startMetricsServer serves /metrics, /healthz, /readyz and /livez on a
// background listener. A bind failure is logged, not fatal: the node runs
// fine without its observability surface.
func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	return srv
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}

	logLevel := log.Level(cfg.LogLevel)
	log.Init(log.Config{Level: logLevel, JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("compute-node")

	nodeVersion := Version
	if cfg.NodeVersion != "" && cfg.NodeVersion != "dev" {
		nodeVersion = cfg.NodeVersion
	}
	metrics.SetVersion(nodeVersion)
	metricsSrv := startMetricsServer(cfg.MetricsAddr, logger)
	defer metricsSrv.Close()

	signer, err := auth.NewChallengeSignerFromHex(cfg.WalletKeyHex)
	if err != nil {
		metrics.RegisterComponent("discovery", false, err.Error())
		return err
	}
	logger.Info().Str("wallet_address", signer.Address()).Msg("wallet loaded")

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	discoveryClient := discovery.New(cfg.DiscoveryURL, signer, httpClient)
	tokenCfg := auth.TokenManagerConfig{
		SafetyRatio: cfg.TokenSafetyRatio,
		MaxRetries:  cfg.TokenRetryBudget,
		Jitter:      cfg.TokenJitter,
	}
	tokens := auth.New(discoveryClient, tokenCfg, cnclock.System{}, rand.New(rand.NewSource(time.Now().UnixNano())), logger)

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	discoveryProbe := health.NewHTTPChecker(cfg.DiscoveryURL).Check(probeCtx)
	probeCancel()
	metrics.RegisterComponent("discovery", discoveryProbe.Healthy, discoveryProbe.Message)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The registration loop itself runs out-of-process (spec non-goal); by
	// the time this binary starts, registration has already produced (or
	// not) a secret, so the gate confirms synchronously rather than
	// waiting on a goroutine.
	gate := config.NewRegistrationGate()
	if cfg.RegistrationSecret == "" {
		logger.Warn().Msg("no registration-secret configured; proceeding as if registration were already confirmed")
	}
	gate.Confirm()

	registry := runner.NewRegistry()
	if cfg.ContainerdImage != "" {
		cr, err := containerrunner.New(cfg.Capability, containerrunner.Config{
			SocketPath: cfg.ContainerdSocket,
			Image:      cfg.ContainerdImage,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("containerd runner unavailable, node will reject tasks until one is registered")
			metrics.RegisterComponent("runner", false, err.Error())
		} else {
			defer cr.Close()
			registry.Register(cr)
			metrics.RegisterComponent("runner", true, "")
		}
	} else {
		metrics.RegisterComponent("runner", false, "no containerd-image configured")
	}

	probeCtx2, probeCancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	managementProbe := health.NewHTTPChecker(cfg.ManagementURL).Check(probeCtx2)
	probeCancel2()
	metrics.RegisterComponent("management", managementProbe.Healthy, managementProbe.Message)

	storageCfg := storage.DefaultConfig()
	storageCfg.MultipartThreshold = cfg.MultipartThresh
	storageCfg.MultipartPartSize = cfg.MultipartPartSize

	heartbeatPolicy := session.DefaultHeartbeatPolicy()
	if cfg.HeartbeatJitter > 0 {
		heartbeatPolicy.Floor = cfg.HeartbeatJitter
	}

	engCfg := node.Config{
		Capability:      types.CapabilitySelector{Capability: cfg.Capability},
		PollPolicy:      node.PollPolicy{MinBackoff: cfg.PollMinBackoff, MaxBackoff: cfg.PollMaxBackoff},
		HeartbeatPolicy: heartbeatPolicy,
		StorageCfg:      storageCfg,
		HTTPClient:      httpClient,
	}
	if cfg.LegacyDomainURL != "" {
		logger.Info().Str("legacy_domain_url", cfg.LegacyDomainURL).Msg("legacy domain server URL configured as fallback")
	}
	if cfg.NodeURL != "" {
		logger.Info().Str("node_url", cfg.NodeURL).Msg("node URL configured")
	}

	engine := node.New(engCfg, cfg.ManagementURL, tokens, registry, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown requested")
		cancel()
	}()

	logger.Info().Str("capability", cfg.Capability).Msg("compute-node running")
	if err := engine.Start(ctx, gate); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

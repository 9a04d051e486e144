package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artemis/pullhub/internal/chunktracker"
	"github.com/artemis/pullhub/internal/config"
	"github.com/artemis/pullhub/internal/controlplane"
	"github.com/artemis/pullhub/internal/endpoint"
	"github.com/artemis/pullhub/internal/hub"
	"github.com/artemis/pullhub/internal/observability"
	"github.com/artemis/pullhub/internal/transfer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pullhub",
	Short: "On-demand, hub-initiated file retrieval from connected endpoints",
	Long: `pullhub runs the hub side of an on-demand file retrieval system:
endpoints connect and stay idle until an operator requests a file, at
which point the hub pulls it over a persistent connection in checksum-
verified chunks.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			logger, err = observability.NewLogger(cfg.LogLevel)
			if err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub: HTTP control plane and WebSocket message hub",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd, args); err != nil {
			logger.Error("serve failed", zap.Error(err))
			os.Exit(1)
		}
	},
}

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "One-shot check of the control plane's /api/v1/health endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHealthCheck(cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.JaegerEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_JAEGER_ENDPOINT", cfg.JaegerEndpoint)
	}
	shutdownTracing, err := observability.InitTracing(ctx, "pullhub")
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	scratchDir := cfg.DownloadDir + "/.scratch"
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}

	clock := chunktracker.NewRealClock()
	registry := endpoint.NewRegistry(clock, cfg.StaleTimeout(), logger)

	trackerCfg := chunktracker.Config{
		MaxAttempts:    cfg.MaxChunkRetryAttempts,
		BaseDelay:      cfg.ChunkRetryBaseDelay(),
		MaxDelay:       30 * time.Second,
		ArrivalTimeout: cfg.ChunkArrivalTimeout(),
	}
	tracker := chunktracker.New(clock, nil, trackerCfg)

	transfers := transfer.NewManager(scratchDir, cfg.DownloadDir, tracker, clock, logger, cfg.RetentionWindow())
	transfers.SetDeleteOnFailure(cfg.DeleteScratchOnFailure)
	tracker.SetEvents(transfers)

	messageHub := hub.NewHub(registry, transfers, clock, logger, cfg.HeartbeatInterval(), cfg.StaleTimeout())
	transfers.SetDispatcher(messageHub)

	health := observability.NewHealthChecker()
	health.RegisterCheck("download_dir", observability.PingHealthCheck("download_dir", func(ctx context.Context) error {
		_, err := os.Stat(cfg.DownloadDir)
		return err
	}))
	health.RegisterCheck("endpoint_registry", observability.PingHealthCheck("endpoint_registry", func(ctx context.Context) error {
		registry.Count()
		return nil
	}))
	go health.StartPeriodicChecks(ctx, 15*time.Second)

	server := controlplane.NewServer(registry, transfers, messageHub, logger, health)
	transfers.SetObserver(server.Broadcaster())

	go registry.StartCleanup(ctx, cfg.StaleTimeout(), func(id string, ep *endpoint.Endpoint) {
		logger.Warn("endpoint evicted by cleanup sweep", zap.String("client_id", id))
	})
	go messageHub.Run(ctx)
	go runPeriodicSweep(ctx, transfers, cfg.RetentionWindow())

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", messageHub.HandleConnection)
	wsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WSPort), Handler: wsMux}

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: server.Router()}

	go func() {
		logger.Info("websocket hub listening", zap.Int("port", cfg.WSPort))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		wsServer.Shutdown(shutdownCtx)
		transfers.Shutdown()
	}()

	logger.Info("starting pullhub control plane", zap.Int("port", cfg.HTTPPort))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

func runPeriodicSweep(ctx context.Context, transfers *transfer.Manager, retentionWindow time.Duration) {
	interval := retentionWindow / 4
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transfers.Sweep()
		}
	}
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", cfg.HTTPPort)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if body["status"] != "healthy" {
		return fmt.Errorf("unhealthy: %v", body["status"])
	}

	fmt.Println("ok")
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.pullhub/config.json)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCheckCmd)
}

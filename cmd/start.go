package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/toolgate/toolgate/internal/api"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/embedding"
	"github.com/toolgate/toolgate/internal/registry"
	"github.com/toolgate/toolgate/internal/service/discovery"
	"github.com/toolgate/toolgate/internal/service/gating"
	"github.com/toolgate/toolgate/internal/service/proxy"
	"github.com/toolgate/toolgate/internal/telemetry"
	"github.com/toolgate/toolgate/internal/upstream"
	"github.com/toolgate/toolgate/pkg/types"
)

const (
	BindHostEnvVar = "HOST"
	BindPortEnvVar = "PORT"
	LogLevelEnvVar = "LOG_LEVEL"

	TelemetryEnabledEnvVar = "OTEL_ENABLED"

	// shutdownDrainPeriod bounds how long shutdown waits for sessions and
	// in-flight requests before forcing the exit.
	shutdownDrainPeriod = 10 * time.Second
)

var (
	startCmdConfigPath string
	startCmdBindPort   int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ToolGate gateway",
	Long: "Starts the gateway: connects the configured backend MCP servers, builds the\n" +
		"tool catalog, and serves the HTTP API plus the MCP endpoint.\n\n" +
		"The configuration file is read from --config, the CONFIG_PATH environment\n" +
		"variable, or ./" + config.DefaultConfigPath + ". HOST, PORT and LOG_LEVEL\n" +
		"environment variables override the corresponding gateway settings.",
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startCmdConfigPath, "config", "", "path to the config file")
	startCmd.Flags().IntVar(&startCmdBindPort, "port", 0,
		fmt.Sprintf("port to bind (overrides env var %s and the config)", BindPortEnvVar))
	rootCmd.AddCommand(startCmd)
}

// loadConfig reads the config file; a missing file yields the built-in
// defaults so the gateway can start empty and be populated over the API.
func loadConfig(fs afero.Fs, path string) (*config.Config, error) {
	if _, err := fs.Stat(path); os.IsNotExist(err) {
		cfg := &config.Config{Backends: map[string]types.BackendConfig{}}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return config.Load(fs, path)
}

// resolveBind applies the flag > env > config precedence for the bind
// address and reports whether the port was explicitly requested (which
// disables the fallback port scan).
func resolveBind(cfg *config.Config) (host string, port int, explicit bool, err error) {
	host = cfg.Gateway.Host
	if envHost := os.Getenv(BindHostEnvVar); envHost != "" {
		host = envHost
	}

	port = cfg.Gateway.Port
	if envPort := os.Getenv(BindPortEnvVar); envPort != "" {
		parsed, perr := strconv.Atoi(envPort)
		if perr != nil || parsed < 1 || parsed > 65535 {
			return "", 0, false, fmt.Errorf("invalid value for %s: %q", BindPortEnvVar, envPort)
		}
		port = parsed
		explicit = true
	}
	if startCmdBindPort != 0 {
		port = startCmdBindPort
		explicit = true
	}
	return host, port, explicit, nil
}

// newLogger builds the zap logger for the configured level.
func newLogger(level string) (*zap.Logger, error) {
	zapLevel := zapcore.InfoLevel
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zapCfg.Build()
}

// isTelemetryEnabled resolves the telemetry switch: env var over config.
func isTelemetryEnabled(cfg *config.Config) (bool, error) {
	enabled := cfg.Gateway.TelemetryEnabled
	if envValue := os.Getenv(TelemetryEnabledEnvVar); envValue != "" {
		switch strings.ToLower(envValue) {
		case "true", "1":
			enabled = true
		case "false", "0":
			enabled = false
		default:
			return false, fmt.Errorf(
				"invalid value for %s environment variable: %q, valid values are 'true' or 'false'",
				TelemetryEnabledEnvVar, envValue,
			)
		}
	}
	return enabled, nil
}

// newEncoder picks the discovery encoder from the config.
func newEncoder(cfg *config.Config) embedding.Encoder {
	if cfg.Gateway.Embedding.Provider == config.EmbeddingOllama {
		return embedding.NewOllamaEncoder(cfg.Gateway.Embedding.OllamaURL, cfg.Gateway.Embedding.OllamaModel)
	}
	return embedding.NewHashEncoder()
}

func runStart(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	configPath := startCmdConfigPath
	if configPath == "" {
		configPath = config.PathFromEnv()
	}

	fs := afero.NewOsFs()
	cfg, err := loadConfig(fs, configPath)
	if err != nil {
		return err
	}
	if envLevel := os.Getenv(LogLevelEnvVar); envLevel != "" {
		cfg.Gateway.LogLevel = strings.ToLower(envLevel)
	}

	host, port, explicitPort, err := resolveBind(cfg)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Gateway.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	telemetryEnabled, err := isTelemetryEnabled(cfg)
	if err != nil {
		return err
	}
	otelProviders, err := telemetry.Init(cmd.Context(), &telemetry.Config{
		ServiceName: "toolgate",
		Enabled:     telemetryEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry providers: %w", err)
	}
	defer func() {
		if err := otelProviders.Shutdown(cmd.Context()); err != nil {
			logger.Warn("failed to shut down telemetry providers", zap.Error(err))
		}
	}()

	// a no-op metrics implementation stands in when telemetry is disabled
	metrics := telemetry.NewNoopCustomMetrics()
	if otelProviders.IsEnabled() {
		metrics, err = telemetry.NewOtelCustomMetrics(otelProviders.Meter)
		if err != nil {
			return fmt.Errorf("failed to create gateway metrics: %w", err)
		}
	}

	reg := registry.New()
	manager := upstream.NewManager(reg, logger, metrics, upstream.Options{
		CallTimeout:    time.Duration(cfg.Gateway.ConnectionTimeoutSeconds) * time.Second,
		HealthInterval: time.Duration(cfg.Gateway.HealthCheckIntervalSeconds) * time.Second,
	})

	discoverySvc := discovery.NewService(reg, newEncoder(cfg), logger)
	gatingSvc := gating.NewService(reg, gating.Limits{
		MaxTools:  cfg.Gateway.MaxToolsPerRequest,
		MaxTokens: cfg.Gateway.MaxTokensPerRequest,
	}, logger)

	watcher := config.NewWatcher(fs, configPath, logger)
	watcher.MarkApplied(cfg)
	store := config.NewStore(fs, configPath, cfg, watcher)

	proxySvc := proxy.NewService(&proxy.ServiceConfig{
		Registry:            reg,
		Manager:             manager,
		Discovery:           discoverySvc,
		Gating:              gatingSvc,
		Store:               store,
		Metrics:             metrics,
		Logger:              logger,
		RequireProvisioning: cfg.Gateway.RequireProvisioning,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// connect the configured backends before accepting traffic
	if err := manager.Reconcile(ctx, cfg.BackendList()); err != nil {
		logger.Error("initial backend reconciliation failed", zap.Error(err))
	}

	if cfg.WatchEnabled() {
		go func() {
			if err := watcher.Run(ctx, func(next *config.Config) {
				store.Replace(next)
				if err := manager.Reconcile(ctx, next.BackendList()); err != nil {
					logger.Error("config-driven reconciliation failed", zap.Error(err))
				}
			}); err != nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	server, err := api.NewServer(&api.ServerOptions{
		Host:          host,
		Port:          port,
		PortScan:      !explicitPort,
		Proxy:         proxySvc,
		Logger:        logger,
		OtelProviders: otelProviders,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownDrainPeriod)
		defer cancelDrain()
		if err := server.Shutdown(drainCtx); err != nil {
			logger.Warn("http server shutdown incomplete", zap.Error(err))
		}
		if err := manager.Shutdown(drainCtx); err != nil {
			logger.Warn("backend shutdown incomplete", zap.Error(err))
		}
	}()

	cmd.Printf("ToolGate gateway listening on %s:%d\n", host, port)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to run the server: %w", err)
	}
	return nil
}

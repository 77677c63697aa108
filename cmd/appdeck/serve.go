package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"appdeck/internal/config"
	"appdeck/internal/deployment"
	"appdeck/internal/envfile"
	"appdeck/internal/forge"
	"appdeck/internal/metrics"
	"appdeck/internal/proxy"
	"appdeck/internal/server"
	"appdeck/internal/store"
	"appdeck/internal/stream"
	"appdeck/internal/supervisor"
	"appdeck/pkg/cmdutil"
	"appdeck/pkg/fileutil"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configFile    string
	logFile       string
	dbPath        string
	host          string
	port          int
	webhookSecret string
	githubToken   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the appdeck server",
	Long: `Start the HTTP and WebSocket server together with the deployment worker.

Configuration is read from --config, or the first appdeck.yaml found in the
default locations. Flags and APPDECK_* environment variables override it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("APPDECK_CONFIG_FILE", ""), "Path to appdeck.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("APPDECK_LOG_FILE", ""), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("APPDECK_DB_PATH", ""), "Path to SQLite database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("APPDECK_HOST", ""), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("APPDECK_PORT", 0), "Port to listen on")
	webhookSecret = os.Getenv("APPDECK_WEBHOOK_SECRET")
	githubToken = os.Getenv("APPDECK_GITHUB_TOKEN")
}

// loadConfig resolves the config file and applies flag and environment
// overrides. A missing file means defaults.
func loadConfig() (*config.Config, string, error) {
	path := configFile
	if path == "" {
		path = fileutil.FindConfigOptional(config.FileName)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}

	if logFile != "" {
		cfg.Log.File = logFile
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if webhookSecret != "" {
		cfg.Forge.WebhookSecret = webhookSecret
	}
	if githubToken != "" {
		cfg.Forge.GitHubToken = githubToken
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, path, fmt.Errorf("invalid configuration after overrides:\n%s", strings.Join(errs, "\n"))
	}
	return cfg, path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	if path == "" {
		logger.Info("No configuration file found, using defaults", "searched", fileutil.DefaultConfigPaths(config.FileName))
	} else {
		logger.Info("Loaded configuration", "config", path)
	}
	for _, w := range cfg.Warnings(path) {
		logger.Warn(w)
	}

	ctx := cmd.Context()

	logger.Info("Opening database", "db", cfg.Database.Path)
	st, err := store.Open(ctx, cfg.Database.Path, store.Options{PortStart: cfg.Apps.PortStart})
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	live := config.NewLive(cfg, st)
	runner := cmdutil.OSRunner{}

	m := metrics.New()
	hub := stream.NewHub(logger)
	hub.OnChange = m.SetSubscriptions

	services := supervisor.New(supervisor.Options{
		UnitDirectory: cfg.Supervisor.UnitDirectory,
		Prefix:        cfg.Supervisor.Prefix,
	}, runner, logger)

	configurator := proxy.New(proxy.Options{
		Binary:           cfg.Proxy.Binary,
		Service:          cfg.Proxy.Service,
		DashboardAddress: cfg.Proxy.DashboardAddress,
		DashboardPort:    cfg.Server.Port,
	}, st, live, runner, logger)

	reporter := forge.NewReporter(cfg.Forge.GitHubToken, cfg.Forge.StatusContext, cfg.Forge.PublicURL, logger)

	engine := deployment.New(deployment.Dependencies{
		Store:     st,
		Services:  services,
		Proxy:     configurator,
		EnvFiles:  envfile.New(live),
		Paths:     live,
		Publisher: hub,
		Reporter:  reporter,
		Metrics:   m,
		Runner:    runner,
		Logger:    logger,
	}, deployment.Options{
		UploadDirectory: cfg.Apps.UploadDirectory,
		WorkerInterval:  cfg.Deploy.WorkerInterval,
		NudgeDelay:      cfg.Deploy.NudgeDelay,
		StepTimeout:     cfg.Deploy.StepTimeout,
		DefaultBranch:   cfg.Deploy.DefaultBranch,
		ServiceUser:     cfg.Apps.User,
	})

	srv := server.New(server.Dependencies{
		Engine:   engine,
		Services: services,
		Proxy:    configurator,
		Store:    st,
		Live:     live,
		Hub:      hub,
		Metrics:  m,
		Logger:   logger,
	}, server.Options{
		WebhookSecret:  cfg.Forge.WebhookSecret,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	logger.Info("Starting appdeck", "version", version, "addr", addr, "apps_directory", live.AppsDirectory(ctx))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ctx, addr); err != nil {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Appdeck stopped")
	return nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath, level string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: lvl,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

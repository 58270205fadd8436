// ksid is the KSI daemon: it serves the Unix socket event protocol, routes
// events between plugins, and coordinates completions and agents.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ksi-project/ksi/pkg/agent"
	"github.com/ksi-project/ksi/pkg/api"
	"github.com/ksi-project/ksi/pkg/asyncstate"
	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/cleanup"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/database"
	"github.com/ksi-project/ksi/pkg/injection"
	"github.com/ksi-project/ksi/pkg/masking"
	"github.com/ksi-project/ksi/pkg/observation"
	"github.com/ksi-project/ksi/pkg/provider"
	"github.com/ksi-project/ksi/pkg/registry"
	"github.com/ksi-project/ksi/pkg/state"
	"github.com/ksi-project/ksi/pkg/transport"
	"github.com/ksi-project/ksi/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging installs the process logger: JSON lines to
// <log_dir>/daemon.log, plus plain text on stderr in foreground mode.
// Returns the log file for closing at exit.
func setupLogging(cfg *config.Config, foreground bool) (*os.File, error) {
	level := parseLevel(cfg.LogLevel)

	if err := os.MkdirAll(cfg.Dirs.LogDir, 0o755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(cfg.Dirs.LogDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	if foreground {
		handler = slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile),
			&slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
	return logFile, nil
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("KSI_CONFIG_DIR", "./config"),
		"Path to configuration directory")
	socket := flag.String("socket", "",
		"Unix socket path (overrides configuration)")
	foreground := flag.Bool("foreground", false,
		"Log to stderr instead of the daemon log only")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath, "error", err)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if *socket != "" {
		cfg.Socket = *socket
	}

	logFile, err := setupLogging(cfg, *foreground)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()

	slog.Info("Starting ksid",
		"version", version.Full(),
		"socket", cfg.Socket,
		"config_dir", *configDir)

	// 2. Initialize database
	dbClient, err := database.NewClient(ctx, cfg.DatabasePath())
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DatabasePath(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 3. Event bus
	router, err := bus.NewRouter(bus.Options{
		MaxHistory:         cfg.Bus.MaxHistory,
		CorrelationTimeout: cfg.Bus.CorrelationTimeout,
		AsyncPoolSize:      cfg.Bus.AsyncPoolSize,
		SubscriptionBuffer: cfg.Bus.SubscriptionBuffer,
	})
	if err != nil {
		slog.Error("Failed to create event router", "error", err)
		os.Exit(1)
	}

	// 4. Core services
	store := state.NewStore(dbClient)
	queues := asyncstate.NewQueues(dbClient, cfg.Retention.AsyncStateTTL)
	compositions := composition.NewManager(cfg.Compositions.Dir)
	injectionService := injection.NewService(queues)

	llm, err := provider.New(cfg.Provider)
	if err != nil {
		slog.Error("Failed to create completion provider", "error", err)
		os.Exit(1)
	}
	completionService := completion.NewService(router, llm, cfg.Completion, cfg.Dirs.ResponseLogDir)
	completionService.SetMasker(masking.NewService(cfg.Masking))
	completionService.Start(ctx)

	agentService := agent.NewService(router, store, cfg.Dirs.SandboxRoot)
	router.SetHierarchy(agentService)

	// Events from child agents surface to subscribed ancestors as
	// agent:observed notifications. The payload deliberately omits
	// _agent_id so the notification does not route again.
	router.SetAgentObserver(func(ancestorID string, rec *bus.Record, depth int) {
		go func() {
			_, err := router.Emit(ctx, "agent:observed", map[string]any{
				"agent_id":     ancestorID,
				"source_agent": rec.Data["_agent_id"],
				"depth":        depth,
				"event":        rec.Name,
				"event_id":     rec.ID,
				"data":         rec.Data,
			}, bus.WithSource("hierarchy"))
			if err != nil {
				slog.Warn("Failed to route event to ancestor",
					"ancestor", ancestorID, "event", rec.Name, "error", err)
			}
		}()
	})

	observationService := observation.NewService(router, queues)
	router.SetObserver(observationService)

	// 5. Plugin registry
	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() {
		shutdownOnce.Do(func() { close(shutdownCh) })
	}

	socketServer := transport.NewServer(cfg.Socket, router)

	reg := registry.NewRegistry(router, cfg.Plugins.Disabled)
	plugins := []registry.Plugin{
		state.NewPlugin(store),
		asyncstate.NewPlugin(queues),
		composition.NewPlugin(compositions),
		injection.NewPlugin(injectionService),
		completion.NewPlugin(completionService),
		agent.NewPlugin(agentService),
		observation.NewPlugin(observationService),
		transport.NewPlugin(socketServer),
		registry.NewSystemPlugin(reg, router, requestShutdown),
	}
	for _, p := range plugins {
		if err := reg.Register(ctx, p); err != nil {
			slog.Error("Failed to register plugin", "plugin", p.Name(), "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Plugins registered", "modules", reg.Modules())

	// 6. Retention loop
	retention := cleanup.NewService(cfg.Retention, queues, dbClient)
	retention.Start(ctx)

	// 7. Transport
	if err := socketServer.Start(ctx); err != nil {
		slog.Error("Failed to start transport", "error", err)
		os.Exit(1)
	}

	// 8. Optional HTTP monitor
	var monitor *api.Server
	if cfg.Monitor.HTTPAddr != "" {
		monitor = api.NewServer(cfg.Monitor, router)
		if err := monitor.Start(ctx); err != nil {
			slog.Error("Failed to start monitor", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("ksid started", "socket", cfg.Socket)

	// 9. Wait for a shutdown signal or a system:shutdown event
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case <-shutdownCh:
		slog.Info("Shutdown requested via system:shutdown")
	}

	// 10. Graceful shutdown: stop taking requests, drain in-flight work,
	// then tear the core down.
	socketServer.Stop()
	if monitor != nil {
		monitor.Stop()
	}
	completionService.Shutdown()
	if n := agentService.TerminateAll(ctx); n > 0 {
		slog.Info("Terminated agents", "count", n)
	}
	reg.Close()
	retention.Stop()
	router.Shutdown()

	slog.Info("Shutdown complete")
}

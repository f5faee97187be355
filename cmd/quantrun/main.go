package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/quantrun/internal/api"
	"github.com/btouchard/quantrun/internal/api/middleware"
	"github.com/btouchard/quantrun/internal/auth"
	"github.com/btouchard/quantrun/internal/config"
	"github.com/btouchard/quantrun/internal/executor"
	quantmcp "github.com/btouchard/quantrun/internal/mcp"
	"github.com/btouchard/quantrun/internal/notify"
	"github.com/btouchard/quantrun/internal/orchestrator"
	"github.com/btouchard/quantrun/internal/store"
	"github.com/btouchard/quantrun/internal/task"
	"github.com/btouchard/quantrun/internal/tunnel"
)

var version = "dev"

const cleanupInterval = time.Hour

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("quantrun %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	case "rotate-token":
		cmdRotateToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: quantrun <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve          Start the quantrun server\n")
	fmt.Fprintf(os.Stderr, "  check          Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  rotate-token   Replace the generated API token\n")
	fmt.Fprintf(os.Stderr, "  version        Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting quantrun",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"scripts", len(cfg.Scripts))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("configuration is valid (%d scripts)\n", len(cfg.Scripts))
}

func cmdRotateToken(args []string) {
	fs := flag.NewFlagSet("rotate-token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.RotateToken(cfg.Auth.SecretDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rotating token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	if n, err := db.MarkInterrupted(); err != nil {
		slog.Warn("failed to mark interrupted runs", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted runs", "count", n)
	}

	if cfg.Database.RetentionDays > 0 {
		go cleanupLoop(ctx, db, time.Duration(cfg.Database.RetentionDays)*24*time.Hour)
	}

	// --- Task Registry ---
	if err := os.MkdirAll(cfg.Execution.WorkDir, 0750); err != nil {
		return fmt.Errorf("creating script work dir: %w", err)
	}
	spawner := &executor.ExecSpawner{
		WorkDir: cfg.Execution.WorkDir,
		Env:     cfg.Execution.Env,
	}
	registry := task.NewRegistry(spawner, cfg.Execution.HeartbeatInterval)
	registry.SetStopGrace(cfg.Execution.StopGrace)
	registry.SetBufferSize(cfg.Execution.SubscriberBuffer)

	orch := orchestrator.New(registry, cfg.Scripts, cfg.Execution.WorkDir)

	// --- MCP Server ---
	mcpServer := quantmcp.NewServer(&quantmcp.Deps{
		Orchestrator: orch,
		Runs:         db,
		Version:      version,
	})
	mcpHTTP := server.NewStreamableHTTPServer(mcpServer)

	// --- Notifications ---
	hub := notify.NewHub(
		notify.NewMCPNotifier(mcpServer),
		notify.NewHistoryNotifier(db),
	)
	registry.SetNotifyFunc(func(e task.TaskEvent) {
		hub.Notify(notify.Event{
			Type:     e.Type,
			TaskID:   e.TaskID,
			Key:      e.Key,
			Command:  e.Command,
			PID:      e.PID,
			ExitCode: e.ExitCode,
			Message:  e.Message,
		})
	})

	// --- Auth ---
	var authMW func(http.Handler) http.Handler
	if cfg.Auth.Disabled {
		slog.Warn("authentication disabled")
	} else {
		tokens, err := auth.TokensFromConfig(cfg.Auth)
		if err != nil {
			return fmt.Errorf("loading api tokens: %w", err)
		}
		slog.Info("bearer authentication enabled", "tokens", tokens.Len())
		authMW = middleware.BearerAuth(tokens)
	}

	// --- HTTP Router ---
	r := api.NewRouter(&api.Deps{
		Orchestrator:   orch,
		Store:          db,
		StrategyScript: cfg.Execution.StrategyScript,
		Auth:           authMW,
		MCP:            mcpHTTP,
	})

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // log streams clear their own deadline
		IdleTimeout:  2 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("quantrun is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// --- Tunnel ---
	if cfg.Tunnel.Enabled {
		tun, err := tunnel.New(cfg.Tunnel)
		if err != nil {
			return err
		}
		publicURL, err := tun.Start(ctx, addr)
		if err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer func() { _ = tun.Close() }()

		slog.Info("public endpoint", "url", publicURL)
		go func() {
			if err := srv.Serve(tun.Listener()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("tunnel: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", "running_tasks", registry.RunningCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.StopGrace+10*time.Second)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tasks did not exit in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	hub.Close()

	return serveErr
}

// cleanupLoop prunes run history older than retention.
func cleanupLoop(ctx context.Context, db store.Store, retention time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		if err := db.Cleanup(retention); err != nil {
			slog.Warn("run history cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/vedfolnir/internal/caption"
	"github.com/me/vedfolnir/internal/config"
	"github.com/me/vedfolnir/internal/logging"
	"github.com/me/vedfolnir/internal/ollama"
	"github.com/me/vedfolnir/internal/progress"
	"github.com/me/vedfolnir/internal/queue"
	"github.com/me/vedfolnir/internal/server"
	"github.com/me/vedfolnir/internal/session"
	"github.com/me/vedfolnir/internal/store"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.vedfolnir/vedfolnir.db)")
	flag.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for sessions (empty for in-memory sessions)")
	flag.StringVar(&cfg.OllamaURL, "ollama-url", cfg.OllamaURL, "Ollama base URL")
	flag.StringVar(&cfg.OllamaModel, "ollama-model", cfg.OllamaModel, "Ollama vision model")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	configFile := flag.String("config", "", "Path to YAML config file")

	flag.Parse()

	if *configFile != "" {
		fileCfg, err := config.LoadFile(*configFile, config.DefaultServerConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		// Explicit flags take precedence over file values.
		flagged := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { flagged[f.Name] = true })
		if !flagged["addr"] {
			cfg.Addr = fileCfg.Addr
		}
		if !flagged["log-level"] {
			cfg.LogLevel = fileCfg.LogLevel
		}
		if !flagged["log-format"] {
			cfg.LogFormat = fileCfg.LogFormat
		}
		if !flagged["db"] {
			cfg.DBPath = fileCfg.DBPath
		}
		if !flagged["redis"] {
			cfg.RedisAddr = fileCfg.RedisAddr
		}
		if !flagged["ollama-url"] {
			cfg.OllamaURL = fileCfg.OllamaURL
		}
		if !flagged["ollama-model"] {
			cfg.OllamaModel = fileCfg.OllamaModel
		}
		cfg.WakeInterval = fileCfg.WakeInterval
		cfg.CleanupInterval = fileCfg.CleanupInterval
		cfg.AdminsFile = fileCfg.AdminsFile
	}

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Resolve database path.
	dbPath := cfg.DBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".vedfolnir")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		dbPath = filepath.Join(dir, "vedfolnir.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	startupCtx := context.Background()
	if err := st.Migrate(startupCtx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	// Jobs left queued or running by a previous process can never make
	// progress again; fail them before the scheduler starts.
	if n, err := st.SweepInterrupted(startupCtx); err != nil {
		logger.Warn("sweep of interrupted jobs failed", "error", err)
	} else if n > 0 {
		logger.Info("interrupted jobs marked failed", "count", n)
	}

	// Runtime settings, warmed from the store.
	settings := config.NewSettings(st, logger)
	if err := settings.Load(startupCtx); err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		os.Exit(1)
	}

	tracker := progress.NewTracker(logger)

	// Caption execution: Ollama vision model behind the caption runner.
	ollamaClient := ollama.NewClient(cfg.OllamaURL, cfg.OllamaModel, logger)
	runner := caption.NewRunner(ollamaClient, logger)

	manager := queue.NewManager(runner, tracker, settings, logger,
		queue.WithStore(st),
		queue.WithWakeInterval(cfg.WakeInterval),
	)

	// Sessions: Redis when configured, in-memory otherwise.
	var sessStore session.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(startupCtx).Err(); err != nil {
			fmt.Fprintf(os.Stderr, "connect to redis at %s: %v\n", cfg.RedisAddr, err)
			os.Exit(1)
		}
		sessStore = session.NewRedisStore(rdb)
		logger.Info("sessions stored in redis", "addr", cfg.RedisAddr)
	} else {
		sessStore = session.NewMemoryStore()
	}

	admins := session.NewAdminConfig(session.AdminsEnvVar, cfg.AdminsFile)
	if len(admins.EnvAdmins()) > 0 {
		logger.Info("admin users from env", "admins", admins.EnvAdmins())
	}
	if len(admins.FileAdmins()) > 0 {
		logger.Info("admin users from config", "admins", admins.FileAdmins())
	}
	sessions := session.NewManager(sessStore, admins, logger)

	srv := server.New(manager, tracker, settings, sessions, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the scheduling loop in background.
	go func() {
		if err := manager.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("queue manager failed", "error", err)
		}
	}()

	// Periodic cleanup of old terminal jobs and expired sessions.
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := manager.Cleanup(settings.GetDuration(config.KeyCleanupRetention)); removed > 0 {
					logger.Info("cleanup sweep", "removed", removed)
				}
				if n, err := sessions.Sweep(ctx); err != nil {
					logger.Warn("session sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("session sweep", "removed", n)
				}
			}
		}
	}()

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the scheduler before the HTTP server so in-flight requests
	// observe final job states.
	if err := manager.Stop(); err != nil {
		logger.Error("queue manager stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pulsedesk/session-engine/internal/api"
	"github.com/pulsedesk/session-engine/internal/config"
	"github.com/pulsedesk/session-engine/internal/engine"
	"github.com/pulsedesk/session-engine/internal/server"
	"github.com/pulsedesk/session-engine/internal/session"
	"github.com/pulsedesk/session-engine/internal/simulator"
	"github.com/pulsedesk/session-engine/internal/storage"
	memstore "github.com/pulsedesk/session-engine/internal/storage/memory"
	sqlitestore "github.com/pulsedesk/session-engine/internal/storage/sqlite"
	"github.com/pulsedesk/session-engine/internal/telemetry"
	"github.com/pulsedesk/session-engine/internal/toolbridge"
	"github.com/pulsedesk/session-engine/internal/transition"
	"github.com/pulsedesk/session-engine/internal/workflow"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("session-engine", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	registry, err := workflow.LoadFile(cfg.Workflows.Path)
	if err != nil {
		log.Fatalf("Failed to load workflow spec: %v", err)
	}
	logger.Info("workflow spec loaded",
		slog.String("path", cfg.Workflows.Path),
		slog.Int("workflows", len(registry.Names())),
	)

	var store storage.TranscriptStore
	switch cfg.Storage.Type {
	case "sqlite":
		store, err = sqlitestore.New(cfg.Storage.SQLite.Path)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		logger.Info("transcript store: sqlite", slog.String("path", cfg.Storage.SQLite.Path))
	default:
		store = memstore.New()
		logger.Info("transcript store: memory")
	}
	defer store.Close()

	sim := simulator.New()
	bridge := toolbridge.New(registry, sim, logger)
	if err := bridge.ValidateWorkflows(); err != nil {
		log.Fatalf("Workflow spec invalid: %v", err)
	}

	sessions := session.NewManager(session.Options{
		Registry:      registry,
		Bridge:        bridge,
		Engine:        engine.NewCanned(),
		Store:         store,
		Logger:        logger,
		IdleTimeout:   config.Duration(cfg.Session.IdleTimeout),
		EngineTimeout: config.Duration(cfg.Engine.TurnTimeout),
	})

	transitions := transition.NewHandler(sessions, registry, logger)
	deliveryOpts := transition.DeliveryOptions{
		InitialBackoff: config.Duration(cfg.Events.InitialBackoff),
		MaxBackoff:     config.Duration(cfg.Events.MaxBackoff),
		Budget:         config.Duration(cfg.Events.Budget),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.RunJanitor(ctx, config.Duration(cfg.Session.SweepInterval))

	srv := server.New(cfg.Server.Port, config.Duration(cfg.Server.RequestTimeout), logger)
	api.New(sessions, bridge, registry, transitions, deliveryOpts, logger).Mount(srv.Router)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("failed to shutdown server", slog.String("error", err.Error()))
	}
}

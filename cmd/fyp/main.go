// Package main is the fyp control plane: the session supervisor, attention
// inbox, orchestration engine and the HTTP/WebSocket gateway run together in
// a single process over shared storage and one event bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/command"
	"github.com/fyp/fyp/internal/common/config"
	"github.com/fyp/fyp/internal/common/logger"
	"github.com/fyp/fyp/internal/db"
	"github.com/fyp/fyp/internal/events"
	"github.com/fyp/fyp/internal/events/bus"
	"github.com/fyp/fyp/internal/gateway"
	"github.com/fyp/fyp/internal/inbox"
	"github.com/fyp/fyp/internal/orchestration"
	"github.com/fyp/fyp/internal/session"
	"github.com/fyp/fyp/internal/transcript"
)

// exitConfigError is the conventional exit code for configuration errors.
const exitConfigError = 64

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.fyp/config.yaml)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting fyp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS when configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Storage: a single-connection writer and a read-only pool over SQLite
	dbPath := cfg.Database.ResolvedPath()
	writer, reader, err := db.Open(dbPath)
	if err != nil {
		log.Fatal("failed to open database", zap.String("path", dbPath), zap.Error(err))
	}
	defer writer.Close()
	defer reader.Close()
	log.Info("database ready", zap.String("path", dbPath))

	transcripts, err := transcript.New(writer, reader, log)
	if err != nil {
		log.Fatal("failed to initialize transcript store", zap.Error(err))
	}
	// Every durable event also feeds the per-session stream.
	transcripts.SetNotifier(func(sessionID string, e transcript.Event) {
		subject := events.Subject(events.SessionEvent, sessionID)
		_ = eventBus.Publish(context.Background(), subject, bus.NewEvent(events.SessionEvent, "transcript", map[string]any{
			"sessionId": sessionID,
			"id":        e.Seq,
			"ts":        e.TS,
			"kind":      e.Kind,
			"data":      e.Data,
		}))
	})

	sessionStore, err := session.NewStore(writer, reader)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}
	inboxStore, err := inbox.NewStore(writer, reader)
	if err != nil {
		log.Fatal("failed to initialize inbox store", zap.Error(err))
	}
	inboxSvc := inbox.NewService(inboxStore, transcripts, eventBus, log)

	// 5. Session supervisor
	supervisor := session.NewSupervisor(sessionStore, transcripts, inboxSvc, eventBus,
		session.NewCodexIndex(""), cfg.Workspace.Roots, log)

	// 6. Orchestration engine
	orchStore, err := orchestration.NewStore(writer, reader)
	if err != nil {
		log.Fatal("failed to initialize orchestration store", zap.Error(err))
	}
	engineCfg := orchestration.DefaultConfig()
	engineCfg.Roots = cfg.Workspace.Roots
	engineCfg.APIBaseURL = fmt.Sprintf("http://%s/api", cfg.Server.Addr())
	engineCfg.APIToken = cfg.Auth.Token
	engineCfg.DefaultSync = &orchestration.SyncPolicy{
		Mode:                  cfg.Sync.Mode,
		IntervalMs:            int64(cfg.Sync.IntervalMs),
		DeliverToOrchestrator: cfg.Sync.DeliverToOrch,
		MinDeliveryGapMs:      int64(cfg.Sync.MinDeliveryGapMs),
	}
	engineCfg.DefaultAutomation = &orchestration.AutomationPolicy{
		QuestionMode:      cfg.Automation.QuestionMode,
		SteeringMode:      cfg.Automation.SteeringMode,
		QuestionTimeoutMs: int64(cfg.Automation.QuestionTimeoutMs),
		ReviewIntervalMs:  int64(cfg.Automation.ReviewIntervalMs),
		YoloMode:          cfg.Automation.YoloMode,
	}
	engine := orchestration.NewEngine(orchStore, supervisor, inboxSvc, transcripts, eventBus,
		orchestration.NewGitWorktreeManager(log), orchestration.NewFileScaffolder(log), engineCfg, log)

	// Coordinator directives parsed from session output land in the engine.
	supervisor.SetDirectiveSink(engine.HandleDirective)
	if err := engine.WireBus(); err != nil {
		log.Fatal("failed to wire orchestration engine to event bus", zap.Error(err))
	}
	engine.StartTicker(ctx)

	commandSvc, err := command.NewService(engine, transcripts, writer, log)
	if err != nil {
		log.Fatal("failed to initialize command service", zap.Error(err))
	}

	// 7. Gateway: REST plus the global and per-session streams
	gw := gateway.New(supervisor, inboxSvc, engine, commandSvc, transcripts, eventBus, gateway.Options{
		Token:          cfg.Auth.Token,
		PairingEnabled: cfg.Auth.PairingEnabled,
	}, log)
	if err := gw.Run(); err != nil {
		log.Fatal("failed to start gateway", zap.Error(err))
	}
	if cfg.Auth.PairingEnabled {
		log.Info("pairing code issued", zap.String("code", gw.IssuePairingCode()))
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down fyp")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	gw.Shutdown()
	engine.Shutdown()
	supervisor.Shutdown(shutdownCtx)
	transcripts.FlushAll()
	transcripts.Close()
	inboxSvc.Close()

	log.Info("fyp stopped")
}

// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fr4nsys/remedia/internal/api"
	"github.com/fr4nsys/remedia/internal/api/handlers"
	"github.com/fr4nsys/remedia/internal/api/middleware"
	"github.com/fr4nsys/remedia/internal/catalog"
	"github.com/fr4nsys/remedia/internal/creds"
	"github.com/fr4nsys/remedia/internal/events"
	"github.com/fr4nsys/remedia/internal/orchestrator"
	"github.com/fr4nsys/remedia/internal/pkg/logger"
	"github.com/fr4nsys/remedia/internal/redact"
	"github.com/fr4nsys/remedia/internal/repository/postgres"
	"github.com/fr4nsys/remedia/internal/runner"
	"github.com/fr4nsys/remedia/internal/safety"
	"github.com/fr4nsys/remedia/internal/scheduler"
	"github.com/fr4nsys/remedia/internal/trigger"
)

// defaultDedupWindow applies to trigger rules that set no dedup window of
// their own.
const defaultDedupWindow = 15 * time.Minute

// Application holds all application dependencies
type Application struct {
	Config *Config
	Logger *logger.Logger
	DB     *postgres.DB
	NATS   *events.Client
	Server *api.Server

	scheduler *scheduler.Scheduler
	engine    *orchestrator.Engine
}

// Run starts the application with the given configuration and blocks
// until a shutdown signal or a fatal server error.
func Run(cfgFile string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting remedia",
		"version", Version,
		"commit", Commit,
	)

	app := &Application{Config: cfg, Logger: log}

	// PostgreSQL
	log.Info("Connecting to PostgreSQL...")
	db, err := postgres.New(ctx, cfg.Database.URL, postgres.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer db.Close()
	app.DB = db
	log.Info("PostgreSQL connected")

	log.Info("Running database migrations...")
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("Migrations completed")

	// Repositories
	executionRepo := postgres.NewExecutionRepository(db)
	runbookRepo := postgres.NewRunbookRepository(db)
	approvalRepo := postgres.NewApprovalRepository(db)
	triggerRepo := postgres.NewTriggerRuleRepository(db)
	blackoutRepo := postgres.NewBlackoutRepository(db)
	safetyRepo := postgres.NewSafetyRepository(db)

	// Output redaction and static credentials. Credential secrets are
	// registered up front so they never reach stored step output.
	redactor := redact.New()
	resolver, err := buildResolver(cfg.Credentials, redactor)
	if err != nil {
		return err
	}

	// Safety controller
	controller, err := safety.NewController(safety.Config{
		FailureThreshold:        cfg.Safety.FailureThreshold,
		FailureWindow:           cfg.Safety.FailureWindow,
		Cooldown:                cfg.Safety.Cooldown,
		RateMax:                 cfg.Safety.RateMax,
		RateWindow:              cfg.Safety.RateWindow,
		RateCooldown:            cfg.Safety.RateCooldown,
		BlackoutSuspendsRunning: cfg.Safety.BlackoutSuspendsRunning,
		DenyCommands:            cfg.Safety.DenyCommands,
		AllowCommands:           cfg.Safety.AllowCommands,
	}, safetyRepo, blackoutRepo, log)
	if err != nil {
		return fmt.Errorf("failed to build safety controller: %w", err)
	}

	// Lifecycle events over NATS. Optional: without a URL the engine and
	// scheduler run without a sink.
	var engineSink orchestrator.EventSink
	var schedulerSink scheduler.EventSink
	if cfg.NATS.URL != "" {
		client := events.NewClient(events.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			Token:         cfg.NATS.Token,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, log)
		if err := client.Connect(); err != nil {
			// Publishing is best-effort; the client keeps reconnecting.
			log.Warn("NATS connect failed, events deferred until reconnect", "error", err)
		}
		defer client.Close()
		app.NATS = client

		publisher := events.NewPublisher(client, log)
		engineSink = publisher
		schedulerSink = publisher
	}

	// Step runners
	registry := runner.NewRegistry(
		runner.NewCommandRunner(redactor, log),
		runner.NewAPIRunner(&http.Client{}, redactor, log),
		runner.NewDryRunner(log),
	)

	// Orchestrator engine
	engine := orchestrator.NewEngine(orchestrator.Config{
		ApprovalTTL: cfg.Orchestrator.ApprovalTTL,
		StepTimeout: cfg.Orchestrator.StepTimeout,
	}, runbookRepo, executionRepo, approvalRepo, controller, resolver, registry, engineSink, redactor, log)
	app.engine = engine

	// Event matcher
	matcher := trigger.NewMatcher(triggerRepo, executionRepo, defaultDedupWindow, log)

	// Scheduler
	sched := scheduler.New(scheduler.Config{
		PollInterval:          cfg.Scheduler.PollInterval,
		MaxConcurrent:         cfg.Scheduler.MaxConcurrent,
		ApprovalSweepInterval: cfg.Scheduler.ApprovalSweepInterval,
		StaleAfter:            cfg.Scheduler.StaleAfter,
		RecoveryInterval:      cfg.Scheduler.RecoveryInterval,
		RuleRefreshInterval:   cfg.Scheduler.RuleRefreshInterval,
	}, executionRepo, approvalRepo, triggerRepo, runbookRepo, engine, schedulerSink, log)
	app.scheduler = sched

	// Runbook catalog sync
	if cfg.Catalog.Dir != "" && cfg.Catalog.SyncOnStart {
		defs, err := catalog.LoadDir(cfg.Catalog.Dir)
		if err != nil {
			return fmt.Errorf("failed to load runbook catalog: %w", err)
		}
		if err := catalog.Sync(ctx, runbookRepo, defs, log); err != nil {
			return fmt.Errorf("failed to sync runbook catalog: %w", err)
		}
	}

	// HTTP API
	serverCfg := api.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.IdleTimeout = cfg.Server.IdleTimeout
	serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverCfg.Logger = log
	serverCfg.RouterConfig.APIKey = cfg.Server.APIKey
	serverCfg.RouterConfig.RequestTimeout = cfg.Server.RequestTimeout
	serverCfg.RouterConfig.RateLimit = middleware.RateLimitConfig{
		RequestsPerMinute: cfg.Server.RateLimitRPM,
		Burst:             cfg.Server.RateLimitBurst,
	}

	srv := api.NewServer(serverCfg)
	app.Server = srv

	h := srv.Handlers()
	system := handlers.NewSystemHandler(Version, Commit, BuildTime, log)
	system.RegisterHealthChecker("database", handlers.DatabaseHealthChecker(db.Ping))
	if app.NATS != nil {
		system.RegisterHealthChecker("nats", handlers.NATSHealthChecker(app.NATS.IsConnected))
	}
	h.System = system
	h.Executions = handlers.NewExecutionsHandler(executionRepo, runbookRepo, approvalRepo, engine, log)
	h.Runbooks = handlers.NewRunbooksHandler(runbookRepo, log)
	h.Triggers = handlers.NewTriggersHandler(triggerRepo, matcher, executionRepo, runbookRepo, log)
	h.Blackouts = handlers.NewBlackoutsHandler(blackoutRepo, log)
	h.Safety = handlers.NewSafetyHandler(safetyRepo, cfg.Safety.RateMax, log)
	srv.Setup()

	if cfg.Server.APIKey == "" {
		log.Warn("no API key configured, the API is unauthenticated")
	}

	// Start background loops and the server
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	errCh := srv.StartAsync()
	log.Info("remedia ready", "addr", srv.Addr())

	// Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	return app.shutdown()
}

// shutdown stops the server and background loops in dependency order:
// no new requests, then no new executions, then close the transports.
func (app *Application) shutdown() error {
	log := app.Logger
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	// Stop waits for in-flight executions to park or finish.
	app.scheduler.Stop()

	log.Info("Shutdown complete")
	return nil
}

// buildResolver assembles the static credential resolver from config and
// registers every secret with the redactor.
func buildResolver(entries []CredentialConfig, redactor *redact.PatternRedactor) (creds.Resolver, error) {
	list := make([]*creds.Credential, 0, len(entries))
	for _, e := range entries {
		c := &creds.Credential{
			Ref:      e.Ref,
			Kind:     creds.AuthKind(e.Kind),
			Host:     e.Host,
			Port:     e.Port,
			User:     e.User,
			Password: e.Password,
			Token:    e.Token,
		}
		if e.KeyFile != "" {
			pem, err := os.ReadFile(e.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("credentials[%s]: read key file: %w", e.Ref, err)
			}
			c.PrivateKey = pem
		}
		redactor.Register(c.Secrets()...)
		list = append(list, c)
	}
	return creds.NewStaticResolver(list), nil
}

// Package app wires the application together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheLeoP/wpp/internal/api"
	"github.com/TheLeoP/wpp/internal/config"
	"github.com/TheLeoP/wpp/internal/delivery"
	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/history"
	"github.com/TheLeoP/wpp/internal/metrics"
	"github.com/TheLeoP/wpp/internal/phone"
	"github.com/TheLeoP/wpp/internal/prefs"
	"github.com/TheLeoP/wpp/internal/scheduler"
	"github.com/TheLeoP/wpp/internal/session"
	"github.com/TheLeoP/wpp/internal/whatsapp"
)

// App is the main application
type App struct {
	config    *config.Config
	bus       eventbus.Bus
	machine   *session.Machine
	wa        *whatsapp.Session
	sched     *scheduler.Scheduler
	prefs     *prefs.Store
	history   *history.Store
	apiServer *api.Server
	logger    *slog.Logger

	runCancel context.CancelFunc
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	bus := eventbus.New()
	machine := session.NewMachine(bus, logger.With("component", "session"))
	m := metrics.New()

	prefStore := prefs.NewStore(cfg.Storage.PreferencesPath, logger.With("component", "prefs"))
	if err := prefStore.Load(); err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	histStore, err := history.Open(cfg.Storage.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}

	wa := whatsapp.NewSession(machine, bus, whatsapp.Options{
		SessionDBPath:  cfg.Storage.SessionDBPath,
		QRDir:          cfg.Storage.QRDir,
		SendsPerMinute: cfg.Delivery.SendsPerMinute,
		Logger:         logger.With("component", "whatsapp"),
	})

	unresolved := &delivery.UnresolvedLog{}
	unit := delivery.NewUnit(wa, machine, unresolved, bus,
		logger.With("component", "delivery"), cfg.Delivery.AttemptTimeout)

	recorder := history.NewRecorder(histStore, logger.With("component", "history"))
	sched := scheduler.New(unit, bus, logger.With("component", "scheduler"),
		scheduler.WithRecorder(recorder), scheduler.WithMetrics(m))

	// Run lifetime is detached from individual HTTP requests; it ends
	// only at shutdown.
	runCtx, runCancel := context.WithCancel(context.Background())

	apiServer := api.NewServer(api.Deps{
		Machine:    machine,
		Session:    wa,
		Prefs:      prefStore,
		Scheduler:  sched,
		Unresolved: unresolved,
		History:    histStore,
		Bus:        bus,
		Metrics:    m,
		PhoneRules: phone.Rules{
			CountryCode: cfg.Phone.CountryCode,
			TrunkPrefix: cfg.Phone.TrunkPrefix,
		},
		RunContext: runCtx,
	}, &cfg.API, logger.With("component", "api"))

	return &App{
		config:    cfg,
		bus:       bus,
		machine:   machine,
		wa:        wa,
		sched:     sched,
		prefs:     prefStore,
		history:   histStore,
		apiServer: apiServer,
		logger:    logger,
		runCancel: runCancel,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting wpp",
		"api_addr", a.config.API.ListenAddr,
		"data_dir", a.config.Storage.DataDir,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect to WhatsApp. A failure here is not fatal: the API stays up
	// and reports the session state, logout can restart pairing.
	if err := a.wa.Init(ctx); err != nil {
		a.logger.Error("whatsapp initialization failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop pending dispatches first, then wait for in-flight sends.
	a.runCancel()
	a.sched.Wait()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.wa.Close()

	if err := a.history.Close(); err != nil {
		a.logger.Error("history close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Command kernel runs the mission control plane: the durable mission
// queue, the governance engine, and the command approval pipeline
// behind one HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/roastops/company-kernel/pkg/api"
	"github.com/roastops/company-kernel/pkg/auth"
	"github.com/roastops/company-kernel/pkg/command"
	"github.com/roastops/company-kernel/pkg/config"
	"github.com/roastops/company-kernel/pkg/governance"
	"github.com/roastops/company-kernel/pkg/governor"
	"github.com/roastops/company-kernel/pkg/mission"
	"github.com/roastops/company-kernel/pkg/observability"
	"github.com/roastops/company-kernel/pkg/ratelimit"
	"github.com/roastops/company-kernel/pkg/registry"
	"github.com/roastops/company-kernel/pkg/store"
	"github.com/roastops/company-kernel/pkg/trace"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		cfg.Apply(profile, config.EnvSet())
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, dsn := store.DriverSQLite, cfg.DBPath
	if cfg.UsePostgres() {
		driver, dsn = store.DriverPostgres, cfg.DBURL
	}
	db, err := store.Open(ctx, driver, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store ready", "driver", driver)

	govStore, err := governor.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("governor store: %w", err)
	}
	limiter := ratelimit.NewLimiter(db)
	engine := governance.NewEngine(govStore, limiter, logger)

	missions := mission.NewService(mission.NewRepo(db), engine, logger,
		mission.WithLeaseDuration(cfg.LeaseDuration),
		mission.WithBackoffBase(cfg.BackoffBase))
	commands := command.NewService(command.NewRepo(db), command.NewTrail(db), engine, govStore, logger,
		command.WithApprovalTTL(cfg.ApprovalTTL))

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.Insecure = true
	obs, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	var validator *auth.Validator
	if cfg.AuthMode == auth.ModeExternal {
		validator, err = auth.NewValidator([]byte(cfg.JWTSecret))
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	var backpressure ratelimit.BackpressureStore = ratelimit.NewInMemoryBackpressure()
	if cfg.RedisAddr != "" {
		backpressure = ratelimit.NewRedisBackpressure(cfg.RedisAddr, "", 0)
		logger.Info("backpressure on redis", "addr", cfg.RedisAddr)
	}

	server := api.NewServer(api.ServerDeps{
		Missions: missions,
		Commands: commands,
		Engine:   engine,
		Governor: govStore,
		Agents:   registry.New(),
		Traces:   trace.NewStore(0),
		DB:       db,
		Obs:      obs,
		Logger:   logger,
	})
	handler := server.Handler(api.HandlerConfig{
		AuthMode:     cfg.AuthMode,
		Validator:    validator,
		CORSOrigins:  cfg.CORSOrigins,
		Backpressure: backpressure,
		Policy: ratelimit.BackpressurePolicy{
			RPM:   cfg.BackpressureRPM,
			Burst: cfg.BackpressureBurst,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel listening", "addr", cfg.Addr(), "authMode", cfg.AuthMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

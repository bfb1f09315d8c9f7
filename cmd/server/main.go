package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"orbit-server/internal/broadcast"
	"orbit-server/internal/middleware"
	"orbit-server/internal/server"
	"orbit-server/internal/shared/config"
	"orbit-server/internal/shared/database"
	"orbit-server/internal/shared/logger"
	"orbit-server/internal/shared/redis"
	"orbit-server/internal/spatial"
	"orbit-server/internal/spatial/repository"
)

func main() {
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init()

	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.GlobalConfig
	log := slog.With("component", "main")

	log.Info("Starting orbit server",
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
		"tick_period", cfg.Simulation.TickPeriod(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", "error", err)
		}
	}()

	if err := db.RunMigrations(ctx, cfg.Database.MigrationsPath); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient, err := redis.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error("Failed to close redis", "error", err)
		}
	}()

	repo := repository.NewRepository(db, slog.Default())
	snap, err := restore(ctx, repo, redisClient, log)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(cfg.Broadcast.SubscriberQueue, slog.Default())
	persister := broadcast.NewPersister(repo, nil, broadcast.PersistSettings{
		Timeout:    cfg.Broadcast.PersistTimeout,
		RetryBase:  cfg.Broadcast.PersistRetryBase,
		RetryMax:   cfg.Broadcast.PersistRetryMax,
		AlertAfter: cfg.Broadcast.AlertAfter,
	}, slog.Default())

	engine := broadcast.New(cfg.Simulation, broadcast.Settings{
		GuardianEvery: cfg.Broadcast.GuardianEvery,
		PersistEvery:  cfg.Broadcast.PersistEvery,
	}, hub, persister, slog.Default())
	engine.Load(snap)

	done := make(chan struct{}, 3)
	go func() { persister.Run(ctx); done <- struct{}{} }()
	go func() { engine.Run(ctx); done <- struct{}{} }()
	workers := 2

	if redisClient != nil {
		relay := broadcast.NewRedisRelay(redisClient.Client, cfg.Redis.FrameChannel, cfg.Redis.SnapshotKey, cfg.Redis.SnapshotTTL, slog.Default())
		engine.AddRelay(relay)
		go func() { relay.Run(ctx); done <- struct{}{} }()
		workers++
	}

	routes := server.NewRoutes(db, redisClient, engine, hub, slog.Default())
	mux := routes.Setup()

	rateLimiter := middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
		Enabled:           cfg.RateLimit.Enabled,
		TrustProxy:        cfg.RateLimit.TrustProxy,
	})
	corsMiddleware := middleware.NewCORS()
	handler := corsMiddleware.Middleware(rateLimiter.Middleware(mux))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}

	for i := 0; i < workers; i++ {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn("Background workers did not stop in time")
			return nil
		}
	}

	log.Info("Server stopped", "tick", engine.Tick())
	return nil
}

// restore prefers the redis cached snapshot when it is ahead of the
// durable store, which lags by up to the persist interval.
func restore(ctx context.Context, repo *repository.Repository, redisClient *redis.Client, log *slog.Logger) (*spatial.Snapshot, error) {
	snap, err := repo.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load spatial state: %w", err)
	}

	if redisClient != nil {
		cfg := config.GlobalConfig.Redis
		relay := broadcast.NewRedisRelay(redisClient.Client, cfg.FrameChannel, cfg.SnapshotKey, cfg.SnapshotTTL, log)
		cached, err := relay.CachedSnapshot(ctx)
		switch {
		case err != nil:
			log.Warn("Ignoring cached snapshot", "error", err)
		case cached != nil && cached.Tick > snap.Tick:
			log.Info("Restoring from cached snapshot", "cached_tick", cached.Tick, "stored_tick", snap.Tick)
			snap = cached
		}
	}

	log.Info("Spatial state restored",
		"tick", snap.Tick,
		"bodies", len(snap.Bodies),
		"entities", len(snap.Entities),
	)
	return snap, nil
}

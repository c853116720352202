package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"proctor/internal/capability"
	"proctor/internal/engine"
	"proctor/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to server config YAML/JSON")
	listen := flag.String("listen", "", "Optional listen address override")
	flag.Parse()

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store server.Store
	if cfg.Database.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			slog.Error("parse database DSN failed", "error", err)
			os.Exit(1)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(rootCtx, poolCfg)
		if err != nil {
			slog.Error("connect database failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := server.RunMigrations(rootCtx, pool, os.DirFS(cfg.Database.MigrationsPath)); err != nil {
			slog.Error("run migrations failed", "error", err)
			os.Exit(1)
		}
		store = server.NewPgStore(pool)
	} else {
		slog.Info("no database configured, using snapshot store", "path", cfg.Database.SnapshotPath)
		memStore, err := server.NewMemoryFileStore(cfg.Database.SnapshotPath)
		if err != nil {
			slog.Error("open snapshot store failed", "error", err)
			os.Exit(1)
		}
		store = memStore
	}

	obs, err := server.SetupObservability(rootCtx, cfg.Observer)
	if err != nil {
		slog.Error("setup observability failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = obs.Shutdown(ctx)
	}()

	caps := buildCapabilities(cfg.Capabilities)
	sessions := server.NewSessionManager(cfg, store, caps, obs, slog.Default())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
	}()

	api := server.NewAPI(store, sessions, obs)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	slog.Info("proctor API listening",
		"listen", cfg.ListenAddr,
		"check_interval_ms", cfg.Proctor.CheckIntervalMs,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildCapabilities(cfg server.CapabilityEndpoints) server.Capabilities {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	faceKey := cfg.FaceAPIKey
	if faceKey == "" {
		faceKey = cfg.APIKey
	}
	var reporter engine.ViolationReporter
	if cfg.ReportURL != "" {
		reporter = capability.NewReportClient(capability.Config{
			BaseURL: cfg.ReportURL,
			APIKey:  cfg.APIKey,
			Timeout: timeout,
		}, slog.Default())
	}
	return server.Capabilities{
		Faces: capability.NewFaceClient(capability.Config{
			BaseURL: cfg.FaceURL,
			APIKey:  faceKey,
			Timeout: timeout,
		}),
		Behavior: capability.NewBehaviorClient(capability.Config{
			BaseURL: cfg.BehaviorURL,
			APIKey:  cfg.APIKey,
			Timeout: timeout,
		}),
		Speech: capability.NewSpeechClient(capability.SpeechConfig{
			BaseURL: cfg.SpeechURL,
			APIKey:  cfg.APIKey,
			Voice:   cfg.SpeechVoice,
			Timeout: timeout,
		}),
		Reporter: reporter,
	}
}

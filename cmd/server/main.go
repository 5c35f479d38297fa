package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codebridge/internal/api"
	"codebridge/internal/config"
	"codebridge/internal/gateway"
	"codebridge/internal/monitor"
	"codebridge/internal/review"
	"codebridge/internal/room"
	"codebridge/internal/sandbox"
	"codebridge/internal/session"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Workspaces left behind by a previous crash are garbage; start clean.
	if err := session.SweepRoot(cfg.Workspace.Root); err != nil {
		log.Fatal().Err(err).Str("root", cfg.Workspace.Root).Msg("failed to prepare workspace root")
	}

	metrics := monitor.NewMetrics()

	// Sandbox backend (auto-detects containerd vs Docker)
	backend, err := sandbox.NewBackend(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox backend available (runs will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	}

	sessions := session.NewManager(backend, metrics, session.Options{
		WorkspaceRoot: cfg.Workspace.Root,
		RunTimeout:    cfg.Sandbox.RunTimeout,
		Limits: sandbox.ResourceLimits{
			CPUShares: cfg.Sandbox.DefaultLimits.CPUShares,
			MemoryMB:  cfg.Sandbox.DefaultLimits.MemoryMB,
			PidsLimit: cfg.Sandbox.DefaultLimits.PidsLimit,
			DiskMB:    cfg.Sandbox.DefaultLimits.DiskMB,
		},
		TagStreams: cfg.Sandbox.TagStreams,
	})

	gw := gateway.New(sessions, metrics)
	hub := room.NewHub(gw, metrics)
	gw.SetHub(hub)
	sessions.OnRunStarted = hub.SetLanguageForConn

	reviewer := review.New(cfg.Review)
	server := api.NewServer(cfg, backend, sessions, gw.ServeWS, review.NewHandler(reviewer), metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("backend_available", backend != nil).
		Bool("review_enabled", reviewer != nil).
		Str("workspace_root", cfg.Workspace.Root).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"feedcron/internal/api"
	"feedcron/internal/config"
	"feedcron/internal/core"
	"feedcron/internal/dispatch"
	"feedcron/internal/logging"
	feedcronmcp "feedcron/internal/mcp"
	"feedcron/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp mode.
	logOut := os.Stdout
	if cfg.Mode == config.ModeMCP {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("feedcrond exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	var articles dispatch.ArticleResolver = st
	if cfg.Pipeline.ArticlesDB != "" {
		external, err := store.OpenArticles(ctx, cfg.Pipeline.ArticlesDB)
		if err != nil {
			return err
		}
		defer external.Close()
		articles = external
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		BaseURL:      cfg.Pipeline.URL,
		Timeout:      cfg.Pipeline.Timeout,
		RatePerSec:   cfg.Pipeline.RatePerSec,
		DefaultLimit: cfg.Pipeline.DefaultLimit,
	}, articles, logger.With("component", "dispatch"))
	if err != nil {
		return err
	}
	runner := core.NewRunner(st, dispatcher, logger.With("component", "runner"), cfg.Location)
	engine := core.NewEngine(st, runner, logger.With("component", "engine"), cfg.Location, cfg.RecoveryThreshold)
	service := core.NewScheduleService(st, engine, logger, cfg.Location)

	// Background store work must outlive the signal so in-flight executions can
	// still record their terminal status during the grace period.
	if err := engine.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	logger.Info("feedcrond started", "version", version, "mode", cfg.Mode, "state_dir", cfg.StateDir,
		"timezone", cfg.Location.String(), "pipeline_url", cfg.Pipeline.URL)

	mcpServer := feedcronmcp.NewMCPServer(service, logger.With("component", "mcp"), cfg.Location, version)

	var server *api.Server
	errs := make(chan error, 2)
	if cfg.Mode == config.ModeHTTP || cfg.Mode == config.ModeBoth {
		server = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, service, mcpServer.Handler(), logger.With("component", "http"), cfg.Location)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}
	if cfg.Mode == config.ModeMCP || cfg.Mode == config.ModeBoth {
		go func() {
			if err := mcpServer.Run(); err != nil {
				errs <- err
				return
			}
			if cfg.Mode == config.ModeMCP {
				// stdin closed: the client is gone.
				cancel()
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
		logger.Error("server error", "err", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}

	stopCtx := engine.Stop()
	select {
	case <-stopCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn("engine stop timed out", "in_flight", runner.InFlight())
	}
	logger.Info("shutdown complete")
	return runErr
}

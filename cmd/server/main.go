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

	"github.com/zhejian/url-shortener/internal/config"
	"github.com/zhejian/url-shortener/internal/observability"
	"github.com/zhejian/url-shortener/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("url-shortener: %v", err)
	}
}

func run() error {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Cancelled on interrupt (Ctrl+C) or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		LogLevel:     cfg.Observability.LogLevel,
	})
	if err != nil {
		return err
	}
	logger := obs.Logger

	deps, closeDeps, err := server.Connect(ctx, cfg, logger)
	if err != nil {
		shutdownObservability(obs, cfg)
		return err
	}

	app := server.NewApp(cfg, deps, obs)
	if err := app.Worker.Setup(); err != nil {
		closeDeps()
		shutdownObservability(obs, cfg)
		return err
	}
	srv := server.NewServer(cfg, app.Router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			slog.String("port", cfg.Server.Port),
			slog.String("base_url", cfg.App.BaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.Worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if drainErr := app.Redirects.Drain(shutdownCtx); drainErr != nil {
			logger.Warn("side effects still running at shutdown", slog.String("error", drainErr.Error()))
		}
		return err
	})

	err = g.Wait()
	closeDeps()
	shutdownObservability(obs, cfg)
	if err != nil {
		return err
	}

	logger.Info("server exited gracefully")
	return nil
}

func shutdownObservability(obs *observability.Observability, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	obs.Shutdown(ctx)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meddler/meddler/internal/broker/handlers"
	"github.com/meddler/meddler/internal/broker/session"
	"github.com/meddler/meddler/internal/broker/store"
	"github.com/meddler/meddler/internal/common/config"
	"github.com/meddler/meddler/internal/common/logger"
	"github.com/meddler/meddler/internal/common/tracing"
	"github.com/meddler/meddler/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting meddler", zap.String("version", version.Version))

	st, err := store.Provide(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	sessions := session.NewManager(log)
	h := handlers.New(st, sessions, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      h.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	log.Info("Routes configured",
		zap.String("health", "/health"),
		zap.String("mcp", "/mcp"),
		zap.String("mcp_sse", "/mcp/sse"),
		zap.String("agent", "/agent"),
	)

	g, gctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
			// Server failed; nothing left to supervise.
			return nil
		}

		log.Info("Shutting down meddler...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	tracingCtx, tracingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tracingCancel()
	if err := tracing.Shutdown(tracingCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Shutdown complete")
}

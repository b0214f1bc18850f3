package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/uirelay/config"
	"github.com/room4-2/uirelay/gemini"
	"github.com/room4-2/uirelay/logging"
	"github.com/room4-2/uirelay/metrics"
	"github.com/room4-2/uirelay/server"
	"github.com/room4-2/uirelay/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer, err := gemini.NewDialer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create Gemini dialer", "error", err)
		os.Exit(1)
	}
	logger.Info("🤖 Gemini model", "model", dialer.Model(), "voice", cfg.Voice)

	// Optional presence registry; nil when Redis is not configured
	registry := session.NewRegistry(ctx, cfg, logger)
	defer registry.Close()
	go registry.StartCleanupRoutine(ctx, session.SweepInterval(cfg.SessionTTL))

	srv := server.NewServerWebsocket(cfg, server.Deps{
		Open:     server.OpenGemini(dialer),
		Registry: registry,
		Metrics:  metrics.New("uirelay"),
		Logger:   logger,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm_router/internal/config"
	"llm_router/internal/httpapi"
	"llm_router/internal/utils"
)

func main() {
	logger := utils.NewLogger("main")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	utils.SetDefaultLogLevel(utils.ParseLogLevel(cfg.LogLevel))

	// Background workers live until shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create router with all dependencies
	handler, deps, err := httpapi.NewRouter(ctx, cfg)
	if err != nil {
		logger.Error("Failed to build router", "error", err)
		os.Exit(1)
	}

	// Create HTTP server. WriteTimeout leaves room for a full fallback chain.
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Duration(cfg.Routing.MaxAttempts)*cfg.Routing.AttemptTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("LLM router listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// In-flight requests are done; stop workers and close connections
	if err := deps.Shutdown(shutdownCtx); err != nil {
		logger.Error("Dependency shutdown failed", "error", err)
	}

	logger.Info("Server exited")
}

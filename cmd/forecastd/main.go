package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyforecast/pkg/config"
	"github.com/nicktill/tinyforecast/pkg/logger"
	"github.com/nicktill/tinyforecast/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
	taskStopTimeout    = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Mode, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	for _, w := range cfg.Warnings {
		log.Warn("Ignoring invalid configuration value", "detail", w)
	}
	log.Info("Starting forecastd", "version", server.Version, "mode", cfg.Mode, "system_key", cfg.SystemKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := server.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize service", "error", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("Failed to close resources", "error", err)
		}
	}()

	var wg sync.WaitGroup
	app.StartTasks(ctx, &wg)

	router := mux.NewRouter()
	app.SetupRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received")

	// Cancel first so the periodic tasks stop before we wait on them.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("Background tasks stopped")
	case <-time.After(taskStopTimeout):
		log.Warn("Background tasks did not stop in time")
	}

	log.Info("forecastd exited")
}

// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// Service is a long-running server component.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Announcer keeps the instance registered with a discovery service.
type Announcer interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// Run executes the main application lifecycle for the relay. It starts the
// API and WebSocket services, announces the instance, listens for OS
// signals and performs a graceful shutdown of everything it started.
// announcer may be nil.
func Run(
	ctx context.Context,
	logger zerolog.Logger,
	apiService Service,
	connManager Service,
	announcer Announcer,
) {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	RunUntilDone(signalCtx, logger, apiService, connManager, announcer)
}

// RunUntilDone is Run without signal handling: it shuts down when ctx is
// cancelled or either service fails.
func RunUntilDone(
	ctx context.Context,
	logger zerolog.Logger,
	apiService Service,
	connManager Service,
	announcer Announcer,
) {
	var wg sync.WaitGroup
	wg.Add(2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start both services in separate goroutines.
	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting API Service...")
		if err := apiService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("API Service failed")
			cancel() // Trigger shutdown of other services.
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting Connection Manager Service...")
		if err := connManager.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Connection Manager Service failed")
			cancel()
		}
	}()

	if announcer != nil {
		announcer.Start(ctx)
	}

	<-ctx.Done()
	logger.Info().Msg("Context cancelled, initiating shutdown.")

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Leave the registry first so no new traffic is routed here.
	if announcer != nil {
		logger.Info().Msg("Deregistering from service discovery...")
		if err := announcer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Deregistration failed.")
		}
	}

	logger.Info().Msg("Shutting down Connection Manager...")
	if err := connManager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Connection Manager shutdown failed.")
	}

	logger.Info().Msg("Shutting down API Service...")
	if err := apiService.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API Service shutdown failed.")
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}

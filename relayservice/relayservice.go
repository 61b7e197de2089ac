/*
File: relayservice/relayservice.go
Description: Wires the presence registry, delivery router, notification
dispatcher and websocket transport into one service with an HTTP API.
*/
package relayservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/internal/api"
	"github.com/tinywideclouds/go-presence-relay/internal/delivery"
	"github.com/tinywideclouds/go-presence-relay/internal/presence"
	"github.com/tinywideclouds/go-presence-relay/internal/realtime"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
	"github.com/tinywideclouds/go-presence-relay/relayservice/config"
)

// Wrapper owns the HTTP API server and the components behind it.
type Wrapper struct {
	server        *http.Server
	connManager   *realtime.ConnectionManager
	registry      *presence.Registry
	router        *delivery.Router
	logger        zerolog.Logger
	httpReadyChan chan struct{}
	addr          net.Addr
}

// New creates and wires up the entire relay service.
func New(
	cfg *config.AppConfig,
	dependencies relay.ServiceDependencies,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if dependencies.MessageStore == nil {
		return nil, fmt.Errorf("message store cannot be nil")
	}
	if dependencies.PushGateway == nil {
		return nil, fmt.Errorf("push gateway cannot be nil")
	}

	// 1. The registry is shared by every component that reads or writes presence.
	registry := presence.NewRegistry(logger)

	// 2. The transport, which is also the emitter for outbound frames.
	connManager, err := realtime.NewConnectionManager(
		cfg.WebSocketPort,
		logger,
		realtime.WithKeepalive(cfg.Socket.PingInterval, cfg.Socket.PongTimeout),
		realtime.WithReadLimit(cfg.Socket.MaxMessageBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	// 3. Delivery components.
	routerOpts := []delivery.Option{}
	if cfg.CollaboratorTimeout > 0 {
		routerOpts = append(routerOpts, delivery.WithCollaboratorTimeout(cfg.CollaboratorTimeout))
	}
	if cfg.PushTitle != "" {
		routerOpts = append(routerOpts, delivery.WithPushTitle(cfg.PushTitle))
	}
	router, err := delivery.NewRouter(
		registry,
		connManager,
		dependencies.MessageStore,
		dependencies.PushGateway,
		logger,
		routerOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery router: %w", err)
	}
	dispatcher, err := delivery.NewDispatcher(registry, connManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification dispatcher: %w", err)
	}

	// 4. The lifecycle handler closes the loop between transport and router.
	lifecycle, err := realtime.NewLifecycleHandler(registry, router, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle handler: %w", err)
	}
	connManager.SetHandler(lifecycle)

	// 5. HTTP API.
	apiHandler := api.NewAPI(
		dispatcher,
		registry,
		api.ServiceInfo{Service: cfg.ServiceName, Version: cfg.ServiceVersion},
		logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send-notification", apiHandler.SendNotificationHandler)
	mux.HandleFunc("POST /register-expo-token", apiHandler.RegisterExpoTokenHandler)
	mux.HandleFunc("GET /health", apiHandler.HealthHandler)
	mux.HandleFunc("GET /info", apiHandler.InfoHandler)

	return &Wrapper{
		server: &http.Server{
			Addr:              ":" + cfg.APIPort,
			Handler:           api.RequestLogger(logger)(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
		connManager:   connManager,
		registry:      registry,
		router:        router,
		logger:        logger.With().Str("component", "RelayService").Logger(),
		httpReadyChan: make(chan struct{}),
	}, nil
}

// Handler returns the HTTP API handler.
func (w *Wrapper) Handler() http.Handler {
	return w.server.Handler
}

// ConnectionManager returns the websocket transport, which runs its own server.
func (w *Wrapper) ConnectionManager() *realtime.ConnectionManager {
	return w.connManager
}

// Registry returns the presence registry.
func (w *Wrapper) Registry() *presence.Registry {
	return w.registry
}

// Ready is closed once the API listener is active.
func (w *Wrapper) Ready() <-chan struct{} {
	return w.httpReadyChan
}

// Addr returns the bound API address. It is nil before Ready is closed.
func (w *Wrapper) Addr() net.Addr {
	select {
	case <-w.httpReadyChan:
		return w.addr
	default:
		return nil
	}
}

// Start runs the API server and blocks until it is shut down.
func (w *Wrapper) Start(ctx context.Context) error {
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.addr = listener.Addr()
	close(w.httpReadyChan)
	w.logger.Info().Str("addr", w.addr.String()).Msg("HTTP listener is active.")

	if err := w.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error().Err(err).Msg("HTTP server failed")
		return err
	}
	return nil
}

// Shutdown stops the API server and waits for in-flight offline deliveries.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	// Wait for detached persist and push calls to finish.
	drained := make(chan struct{})
	go func() {
		w.router.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		w.logger.Warn().Msg("Timed out waiting for offline deliveries.")
		if finalErr == nil {
			finalErr = ctx.Err()
		}
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}

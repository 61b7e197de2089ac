// Package realtime owns the live websocket transport: it accepts
// connections, assigns each a handle, decodes inbound frames and writes
// outbound ones.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 512 * 1024
)

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithKeepalive sets how often the server pings each client and how long it
// waits for any traffic, pong included, before dropping the connection.
// pingInterval must be shorter than pongWait.
func WithKeepalive(pingInterval, pongWait time.Duration) Option {
	return func(cm *ConnectionManager) {
		if pongWait > 0 {
			cm.pongWait = pongWait
		}
		if pingInterval > 0 && pingInterval < cm.pongWait {
			cm.pingInterval = pingInterval
		} else {
			cm.pingInterval = cm.pongWait * 9 / 10
		}
	}
}

// WithReadLimit caps the size of one inbound message in bytes.
func WithReadLimit(limit int64) Option {
	return func(cm *ConnectionManager) {
		if limit > 0 {
			cm.readLimit = limit
		}
	}
}

// WithWriteTimeout sets the deadline for each outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(cm *ConnectionManager) {
		if d > 0 {
			cm.writeTimeout = d
		}
	}
}

// ConnectionHandler receives the lifecycle of every accepted connection.
// Frames from a single connection are delivered sequentially.
type ConnectionHandler interface {
	OnConnect(handle relay.ConnectionHandle)
	OnFrame(ctx context.Context, handle relay.ConnectionHandle, frame relay.Frame)
	OnDisconnect(handle relay.ConnectionHandle, reason string)
}

// ConnectionManager manages all active WebSocket connections.
// It runs its own dedicated HTTP server.
type ConnectionManager struct {
	server       *http.Server
	upgrader     websocket.Upgrader
	connections  sync.Map // map[relay.ConnectionHandle]*connection
	handler      ConnectionHandler
	writeTimeout time.Duration
	pingInterval time.Duration
	pongWait     time.Duration
	readLimit    int64
	logger       zerolog.Logger
	instanceID   string

	// mu orders connection admission against Shutdown so that every
	// admitted handler is counted in active before Shutdown waits on it.
	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

// NewConnectionManager creates a connection manager listening on port.
// SetHandler must be called before Start.
func NewConnectionManager(port string, logger zerolog.Logger, opts ...Option) (*ConnectionManager, error) {
	if port == "" {
		return nil, fmt.Errorf("websocket port cannot be empty")
	}

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Any origin may connect; identities are not authenticated.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: defaultWriteTimeout,
		pongWait:     defaultPongWait,
		pingInterval: defaultPongWait * 9 / 10,
		readLimit:    defaultReadLimit,
		logger:       logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID:   instanceID,
	}
	for _, opt := range opts {
		opt(cm)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", cm.connectHandler)
	cm.server = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return cm, nil
}

// SetHandler installs the lifecycle handler for accepted connections.
func (cm *ConnectionManager) SetHandler(handler ConnectionHandler) {
	cm.handler = handler
}

// Handler returns the HTTP handler serving the /connect endpoint.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	if cm.handler == nil {
		return fmt.Errorf("connection handler is not set")
	}
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, closes every open connection and waits,
// bounded by ctx, for their handlers to finish the frame in progress.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	var finalErr error

	cm.mu.Lock()
	cm.closing = true
	cm.mu.Unlock()

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	// Hijacked connections are not tracked by http.Server.
	cm.connections.Range(func(_, value any) bool {
		value.(*connection).close(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	done := make(chan struct{})
	go func() {
		cm.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cm.logger.Warn().Msg("Timed out waiting for connection handlers.")
		if finalErr == nil {
			finalErr = ctx.Err()
		}
	}

	cm.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// Emit writes frame to the connection identified by handle.
// It returns relay.ErrConnectionNotFound if the handle is not open.
func (cm *ConnectionManager) Emit(handle relay.ConnectionHandle, frame relay.Frame) error {
	value, ok := cm.connections.Load(handle)
	if !ok {
		return fmt.Errorf("%w: %s", relay.ErrConnectionNotFound, handle)
	}
	if err := value.(*connection).writeFrame(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Event, err)
	}
	return nil
}

// ActiveConnections returns the number of open connections.
func (cm *ConnectionManager) ActiveConnections() int {
	count := 0
	cm.connections.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its lifecycle.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	handle := relay.ConnectionHandle(uuid.NewString())
	conn := newConnection(handle, ws, cm.writeTimeout)

	cm.mu.Lock()
	if cm.closing {
		cm.mu.Unlock()
		conn.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	cm.active.Add(1)
	cm.connections.Store(handle, conn)
	cm.mu.Unlock()
	defer cm.active.Done()

	ws.SetReadLimit(cm.readLimit)
	if err := cm.extendReadDeadline(ws); err != nil {
		cm.logger.Debug().Err(err).Str("handle", handle.String()).Msg("error setting read deadline")
	}
	ws.SetPongHandler(func(string) error { return cm.extendReadDeadline(ws) })

	cm.logger.Info().Str("handle", handle.String()).Str("remote", r.RemoteAddr).Msg("Socket connected.")
	cm.handler.OnConnect(handle)

	stopPing := make(chan struct{})
	go cm.pingLoop(conn, stopPing)

	reason := cm.readLoop(r.Context(), conn)
	close(stopPing)

	cm.connections.Delete(handle)
	if err := ws.Close(); err != nil {
		cm.logger.Debug().Err(err).Str("handle", handle.String()).Msg("error closing connection")
	}
	cm.handler.OnDisconnect(handle, reason)
}

func (cm *ConnectionManager) extendReadDeadline(ws *websocket.Conn) error {
	return ws.SetReadDeadline(time.Now().Add(cm.pongWait))
}

// pingLoop pings the client until stop is closed. A peer that stops
// answering is dropped by the read deadline, not here.
func (cm *ConnectionManager) pingLoop(conn *connection, stop <-chan struct{}) {
	ticker := time.NewTicker(cm.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				cm.logger.Debug().Err(err).Str("handle", conn.handle.String()).Msg("failed to send ping")
			}
		}
	}
}

// readLoop decodes frames until the connection fails and returns the
// disconnect reason.
func (cm *ConnectionManager) readLoop(ctx context.Context, conn *connection) string {
	// Frame handling must not be cut short by the request context, which
	// ends as soon as the connection does.
	ctx = context.WithoutCancel(ctx)
	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			return disconnectReason(err)
		}
		if err := cm.extendReadDeadline(conn.conn); err != nil {
			return disconnectReason(err)
		}

		frame, err := relay.DecodeFrame(raw)
		if err != nil {
			cm.logger.Warn().Err(err).Str("handle", conn.handle.String()).Msg("Dropping malformed frame.")
			continue
		}
		cm.handler.OnFrame(ctx, conn.handle, frame)
	}
}

func disconnectReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return "client namespace disconnect"
		}
		return fmt.Sprintf("close %d", closeErr.Code)
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return "message too large"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ping timeout"
	}
	return "transport error"
}

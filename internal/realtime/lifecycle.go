package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/internal/delivery"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// State is the lifecycle state of one connection.
type State int

const (
	StateConnected State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateRegistered:
		return "REGISTERED"
	default:
		return "CLOSED"
	}
}

// PresenceWriter is the write path of the presence registry.
type PresenceWriter interface {
	Register(identity relay.Identity, handle relay.ConnectionHandle)
	UnregisterByHandle(handle relay.ConnectionHandle) (relay.Identity, bool)
}

// MessageRouter routes messages and replays pending ones on registration.
type MessageRouter interface {
	Route(ctx context.Context, sender, recipient relay.Identity, payload json.RawMessage) delivery.Path
	ReplayPending(ctx context.Context, identity relay.Identity, handle relay.ConnectionHandle) int
}

// Notifier emits notifications to online identities.
type Notifier interface {
	Notify(target relay.Identity, payload relay.NotificationPayload) error
}

type session struct {
	state    State
	identity relay.Identity
}

// LifecycleHandler drives each connection through CONNECTED, REGISTERED and
// CLOSED and turns inbound events into registry, router and dispatcher calls.
type LifecycleHandler struct {
	presence PresenceWriter
	router   MessageRouter
	notifier Notifier
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[relay.ConnectionHandle]*session
}

// NewLifecycleHandler creates a LifecycleHandler.
func NewLifecycleHandler(presence PresenceWriter, router MessageRouter, notifier Notifier, logger zerolog.Logger) (*LifecycleHandler, error) {
	if presence == nil {
		return nil, fmt.Errorf("presence writer cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("message router cannot be nil")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier cannot be nil")
	}
	return &LifecycleHandler{
		presence: presence,
		router:   router,
		notifier: notifier,
		logger:   logger.With().Str("component", "LifecycleHandler").Logger(),
		sessions: make(map[relay.ConnectionHandle]*session),
	}, nil
}

// State reports the lifecycle state of handle. Unknown handles are CLOSED.
func (h *LifecycleHandler) State(handle relay.ConnectionHandle) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[handle]; ok {
		return s.state
	}
	return StateClosed
}

// OnConnect records a new connection. The registry is not touched until the
// client registers.
func (h *LifecycleHandler) OnConnect(handle relay.ConnectionHandle) {
	h.mu.Lock()
	h.sessions[handle] = &session{state: StateConnected}
	h.mu.Unlock()
}

// OnDisconnect removes whatever mapping the handle still holds.
func (h *LifecycleHandler) OnDisconnect(handle relay.ConnectionHandle, reason string) {
	h.mu.Lock()
	delete(h.sessions, handle)
	h.mu.Unlock()

	if identity, ok := h.presence.UnregisterByHandle(handle); ok {
		h.logger.Warn().
			Str("user", identity.String()).
			Str("handle", handle.String()).
			Str("reason", reason).
			Msg("User disconnected.")
		return
	}
	h.logger.Debug().Str("handle", handle.String()).Str("reason", reason).Msg("Unregistered socket closed.")
}

// OnFrame dispatches one inbound event.
func (h *LifecycleHandler) OnFrame(ctx context.Context, handle relay.ConnectionHandle, frame relay.Frame) {
	log := h.logger.With().Str("handle", handle.String()).Str("event", frame.Event).Logger()

	switch frame.Event {
	case relay.EventRegister:
		h.handleRegister(ctx, log, handle, frame.Data)
	case relay.EventPrivateMessage:
		h.handlePrivateMessage(ctx, log, handle, frame.Data)
	case relay.EventNotification:
		h.handleNotification(log, handle, frame.Data)
	default:
		log.Warn().Err(relay.ErrUnknownEvent).Msg("Ignoring frame.")
	}
}

func (h *LifecycleHandler) handleRegister(ctx context.Context, log zerolog.Logger, handle relay.ConnectionHandle, data json.RawMessage) {
	event, err := relay.DecodeRegister(data)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid register payload.")
		return
	}

	h.presence.Register(event.UserID, handle)
	h.mu.Lock()
	if s, ok := h.sessions[handle]; ok {
		s.state = StateRegistered
		s.identity = event.UserID
	}
	h.mu.Unlock()

	// Replay runs on the connection's read goroutine, so the next frame from
	// this client waits until it completes.
	h.router.ReplayPending(ctx, event.UserID, handle)
}

func (h *LifecycleHandler) handlePrivateMessage(ctx context.Context, log zerolog.Logger, handle relay.ConnectionHandle, data json.RawMessage) {
	event, err := relay.DecodePrivateMessage(data)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid private message payload.")
		return
	}

	sender := h.senderOf(handle, event.Message)
	log.Info().Str("sender", sender.String()).Str("recipient", event.ToUserID.String()).Msg("Private message received.")
	h.router.Route(ctx, sender, event.ToUserID, event.Message)
}

func (h *LifecycleHandler) handleNotification(log zerolog.Logger, handle relay.ConnectionHandle, data json.RawMessage) {
	event, err := relay.DecodeNotification(data)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid notification payload.")
		return
	}

	payload := relay.NotificationPayload{
		From:    h.senderOf(handle, nil).String(),
		Message: event.Message,
	}
	if err := h.notifier.Notify(event.ToUserID, payload); err != nil {
		if errors.Is(err, relay.ErrRecipientOffline) {
			log.Debug().Str("recipient", event.ToUserID.String()).Msg("Notification target offline.")
			return
		}
		log.Error().Err(err).Str("recipient", event.ToUserID.String()).Msg("Failed to send notification.")
	}
}

// senderOf resolves who sent a frame: the identity the connection registered,
// else the sender named in the payload, else the connection handle itself.
func (h *LifecycleHandler) senderOf(handle relay.ConnectionHandle, payload json.RawMessage) relay.Identity {
	h.mu.Lock()
	s, ok := h.sessions[handle]
	var identity relay.Identity
	if ok {
		identity = s.identity
	}
	h.mu.Unlock()

	if identity != "" {
		return identity
	}
	if sender := relay.PayloadSender(payload); sender != "" {
		return sender
	}
	return relay.Identity(handle)
}

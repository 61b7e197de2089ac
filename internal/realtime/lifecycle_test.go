package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-relay/internal/delivery"
	"github.com/tinywideclouds/go-presence-relay/internal/presence"
	"github.com/tinywideclouds/go-presence-relay/internal/realtime"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// --- Mocks ---

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) Route(ctx context.Context, sender, recipient relay.Identity, payload json.RawMessage) delivery.Path {
	args := m.Called(ctx, sender, recipient, payload)
	return args.Get(0).(delivery.Path)
}

func (m *mockRouter) ReplayPending(ctx context.Context, identity relay.Identity, handle relay.ConnectionHandle) int {
	args := m.Called(ctx, identity, handle)
	return args.Int(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(target relay.Identity, payload relay.NotificationPayload) error {
	args := m.Called(target, payload)
	return args.Error(0)
}

type lifecycleFixture struct {
	handler  *realtime.LifecycleHandler
	registry *presence.Registry
	router   *mockRouter
	notifier *mockNotifier
}

func setupLifecycle(t *testing.T) *lifecycleFixture {
	t.Helper()
	registry := presence.NewRegistry(zerolog.Nop())
	router := new(mockRouter)
	notifier := new(mockNotifier)

	handler, err := realtime.NewLifecycleHandler(registry, router, notifier, zerolog.Nop())
	require.NoError(t, err)

	return &lifecycleFixture{handler: handler, registry: registry, router: router, notifier: notifier}
}

func frame(t *testing.T, event string, data string) relay.Frame {
	t.Helper()
	return relay.Frame{Event: event, Data: json.RawMessage(data)}
}

func TestLifecycle_ConnectDoesNotTouchRegistry(t *testing.T) {
	fx := setupLifecycle(t)

	fx.handler.OnConnect("h-1")

	assert.Equal(t, realtime.StateConnected, fx.handler.State("h-1"))
	assert.Zero(t, fx.registry.Count())
}

func TestLifecycle_Register(t *testing.T) {
	fx := setupLifecycle(t)
	ctx := context.Background()
	fx.handler.OnConnect("h-1")

	fx.router.On("ReplayPending", mock.Anything, relay.Identity("alice"), relay.ConnectionHandle("h-1")).Return(2).Twice()

	// Act
	fx.handler.OnFrame(ctx, "h-1", frame(t, relay.EventRegister, `"alice"`))

	// Assert
	handle, ok := fx.registry.LookupHandle("alice")
	require.True(t, ok)
	assert.Equal(t, relay.ConnectionHandle("h-1"), handle)
	assert.Equal(t, realtime.StateRegistered, fx.handler.State("h-1"))

	// Re-register from the same handle replays again.
	fx.handler.OnFrame(ctx, "h-1", frame(t, relay.EventRegister, `{"userId":"alice"}`))
	fx.router.AssertExpectations(t)
	assert.Equal(t, 1, fx.registry.Count())
}

func TestLifecycle_RegisterInvalidPayload(t *testing.T) {
	fx := setupLifecycle(t)
	fx.handler.OnConnect("h-1")

	fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventRegister, `""`))

	assert.Equal(t, realtime.StateConnected, fx.handler.State("h-1"))
	fx.router.AssertNotCalled(t, "ReplayPending", mock.Anything, mock.Anything, mock.Anything)
}

func TestLifecycle_PrivateMessage(t *testing.T) {
	payload := json.RawMessage(`{"sender":"payload-sender","text":"hi"}`)

	t.Run("Registered connection sends as its identity", func(t *testing.T) {
		fx := setupLifecycle(t)
		fx.handler.OnConnect("h-1")
		fx.router.On("ReplayPending", mock.Anything, mock.Anything, mock.Anything).Return(0)
		fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventRegister, `"alice"`))

		fx.router.On("Route", mock.Anything, relay.Identity("alice"), relay.Identity("bob"), payload).
			Return(delivery.PathOffline).Once()

		fx.handler.OnFrame(context.Background(), "h-1",
			frame(t, relay.EventPrivateMessage, `{"toUserId":"bob","message":{"sender":"payload-sender","text":"hi"}}`))

		fx.router.AssertExpectations(t)
	})

	t.Run("Unregistered connection falls back to payload sender", func(t *testing.T) {
		fx := setupLifecycle(t)
		fx.handler.OnConnect("h-1")
		fx.router.On("Route", mock.Anything, relay.Identity("payload-sender"), relay.Identity("bob"), payload).
			Return(delivery.PathOnline).Once()

		fx.handler.OnFrame(context.Background(), "h-1",
			frame(t, relay.EventPrivateMessage, `{"toUserId":"bob","message":{"sender":"payload-sender","text":"hi"}}`))

		fx.router.AssertExpectations(t)
	})

	t.Run("Unregistered connection without sender uses its handle", func(t *testing.T) {
		fx := setupLifecycle(t)
		fx.handler.OnConnect("h-1")
		fx.router.On("Route", mock.Anything, relay.Identity("h-1"), relay.Identity("bob"), json.RawMessage(`"hi"`)).
			Return(delivery.PathOnline).Once()

		fx.handler.OnFrame(context.Background(), "h-1",
			frame(t, relay.EventPrivateMessage, `{"toUserId":"bob","message":"hi"}`))

		fx.router.AssertExpectations(t)
	})

	t.Run("Malformed payload is dropped", func(t *testing.T) {
		fx := setupLifecycle(t)
		fx.handler.OnConnect("h-1")

		fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventPrivateMessage, `{"message":{"text":"hi"}}`))
		fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventPrivateMessage, `{"toUserId":"bob"}`))

		fx.router.AssertNotCalled(t, "Route", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestLifecycle_Notification(t *testing.T) {
	fx := setupLifecycle(t)
	fx.handler.OnConnect("h-1")

	expected := relay.NotificationPayload{From: "h-1", Message: json.RawMessage(`{"kind":"typing"}`)}
	fx.notifier.On("Notify", relay.Identity("bob"), expected).Return(relay.ErrRecipientOffline).Once()
	fx.notifier.On("Notify", relay.Identity("carol"), mock.Anything).Return(errors.New("write failed")).Once()

	// Errors are only logged.
	fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventNotification, `{"toUserId":"bob","message":{"kind":"typing"}}`))
	fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventNotification, `{"toUserId":"carol","message":"x"}`))

	fx.notifier.AssertExpectations(t)
}

func TestLifecycle_Disconnect(t *testing.T) {
	t.Run("Removes the mapping held by the handle", func(t *testing.T) {
		fx := setupLifecycle(t)
		fx.router.On("ReplayPending", mock.Anything, mock.Anything, mock.Anything).Return(0)
		fx.handler.OnConnect("h-1")
		fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventRegister, `"alice"`))

		fx.handler.OnDisconnect("h-1", "transport close")

		_, ok := fx.registry.LookupHandle("alice")
		assert.False(t, ok)
		assert.Equal(t, realtime.StateClosed, fx.handler.State("h-1"))
	})

	t.Run("Superseded handle leaves the newer mapping", func(t *testing.T) {
		fx := setupLifecycle(t)
		fx.router.On("ReplayPending", mock.Anything, mock.Anything, mock.Anything).Return(0)
		fx.handler.OnConnect("h-1")
		fx.handler.OnConnect("h-2")
		fx.handler.OnFrame(context.Background(), "h-1", frame(t, relay.EventRegister, `"bob"`))
		fx.handler.OnFrame(context.Background(), "h-2", frame(t, relay.EventRegister, `"bob"`))

		fx.handler.OnDisconnect("h-1", "transport close")

		handle, ok := fx.registry.LookupHandle("bob")
		require.True(t, ok)
		assert.Equal(t, relay.ConnectionHandle("h-2"), handle)
	})

	t.Run("Unregistered connection", func(t *testing.T) {
		fx := setupLifecycle(t)
		fx.handler.OnConnect("h-1")

		fx.handler.OnDisconnect("h-1", "ping timeout")

		assert.Equal(t, realtime.StateClosed, fx.handler.State("h-1"))
		assert.Zero(t, fx.registry.Count())
	})
}

func TestLifecycle_UnknownEvent(t *testing.T) {
	fx := setupLifecycle(t)
	fx.handler.OnConnect("h-1")

	fx.handler.OnFrame(context.Background(), "h-1", frame(t, "typing", `{}`))

	fx.router.AssertNotCalled(t, "Route", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	fx.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
	assert.Equal(t, realtime.StateConnected, fx.handler.State("h-1"))
}

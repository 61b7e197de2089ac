package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-presence-relay/internal/delivery"
	"github.com/tinywideclouds/go-presence-relay/internal/presence"
	"github.com/tinywideclouds/go-presence-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// testFixture holds a fully wired relay around a test WebSocket server.
type testFixture struct {
	cm       *ConnectionManager
	registry *presence.Registry
	router   *delivery.Router
	store    *fakes.MessageStore
	push     *fakes.PushGateway
	handler  *LifecycleHandler
	wsServer *httptest.Server
}

func setup(t *testing.T, opts ...Option) *testFixture {
	t.Helper()
	return setupWithHandler(t, nil, opts...)
}

// setupWithHandler lets wrap decorate the lifecycle handler before the
// connection manager starts accepting sockets.
func setupWithHandler(t *testing.T, wrap func(*LifecycleHandler) ConnectionHandler, opts ...Option) *testFixture {
	t.Helper()
	logger := zerolog.Nop()

	cm, err := NewConnectionManager("0", logger, opts...)
	require.NoError(t, err, "NewConnectionManager failed")

	registry := presence.NewRegistry(logger)
	store := fakes.NewMessageStore(logger)
	push := fakes.NewPushGateway(logger)

	router, err := delivery.NewRouter(registry, cm, store, push, logger)
	require.NoError(t, err)
	dispatcher, err := delivery.NewDispatcher(registry, cm, logger)
	require.NoError(t, err)
	handler, err := NewLifecycleHandler(registry, router, dispatcher, logger)
	require.NoError(t, err)
	if wrap != nil {
		cm.SetHandler(wrap(handler))
	} else {
		cm.SetHandler(handler)
	}

	wsServer := httptest.NewServer(cm.Handler())
	t.Cleanup(wsServer.Close)

	return &testFixture{
		cm:       cm,
		registry: registry,
		router:   router,
		store:    store,
		push:     push,
		handler:  handler,
		wsServer: wsServer,
	}
}

// connectClient dials the test server.
func (fx *testFixture) connectClient(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(fx.wsServer.URL, "http") + "/connect"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Failed to dial test WebSocket server")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// registerClient connects a client as identity and waits until it is addressable.
func (fx *testFixture) registerClient(t *testing.T, identity relay.Identity) (*websocket.Conn, relay.ConnectionHandle) {
	t.Helper()
	conn := fx.connectClient(t)
	sendFrame(t, conn, relay.EventRegister, identity)

	var handle relay.ConnectionHandle
	require.Eventually(t, func() bool {
		h, ok := fx.registry.LookupHandle(identity)
		if ok && fx.handler.State(h) == StateRegistered {
			handle = h
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "User was not registered")
	return conn, handle
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := relay.NewFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) relay.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame relay.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestConnectionManager_ConnectAndDisconnect(t *testing.T) {
	fx := setup(t)

	conn, handle := fx.registerClient(t, "alice")
	assert.Equal(t, 1, fx.cm.ActiveConnections())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, ok := fx.registry.LookupHandle("alice")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "Presence was not removed on disconnect")

	_, ok := fx.cm.connections.Load(handle)
	assert.False(t, ok, "Connection was not removed from map")
	assert.Equal(t, StateClosed, fx.handler.State(handle))
}

func TestConnectionManager_OnlineDelivery(t *testing.T) {
	fx := setup(t)
	alice, _ := fx.registerClient(t, "alice")
	bob, _ := fx.registerClient(t, "bob")

	sendFrame(t, alice, relay.EventPrivateMessage, map[string]any{
		"toUserId": "bob",
		"message":  map[string]string{"sender": "alice", "text": "hello"},
	})

	frame := readFrame(t, bob)
	assert.Equal(t, relay.EventPrivateMessage, frame.Event)

	var payload relay.PrivateMessagePayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "alice", payload.From)
	assert.JSONEq(t, `{"sender":"alice","text":"hello"}`, string(payload.Message))
	assert.NotZero(t, payload.Timestamp)

	assert.Zero(t, fx.store.Count("bob"))
}

func TestConnectionManager_OfflineThenReplay(t *testing.T) {
	fx := setup(t)
	fx.registry.AddPushAddress("carol", "ExponentPushToken[carol]")
	alice, _ := fx.registerClient(t, "alice")

	sendFrame(t, alice, relay.EventPrivateMessage, map[string]any{
		"toUserId": "carol",
		"message":  map[string]string{"text": "first"},
	})
	sendFrame(t, alice, relay.EventPrivateMessage, map[string]any{
		"toUserId": "carol",
		"message":  map[string]string{"text": "second"},
	})

	require.Eventually(t, func() bool {
		return fx.store.Count("carol") == 2 && len(fx.push.Sent()) == 2
	}, 2*time.Second, 10*time.Millisecond, "Offline messages were not persisted and pushed")

	sent := fx.push.Sent()
	assert.Equal(t, []string{"ExponentPushToken[carol]"}, sent[0].Addresses)
	assert.Equal(t, "New Message", sent[0].Notification.Title)

	// Carol comes online and receives both messages in one event.
	carol := fx.connectClient(t)
	sendFrame(t, carol, relay.EventRegister, "carol")

	frame := readFrame(t, carol)
	assert.Equal(t, relay.EventPendingMessages, frame.Event)

	var pending relay.PendingMessagesPayload
	require.NoError(t, json.Unmarshal(frame.Data, &pending))
	require.Len(t, pending.Message, 2)
	assert.JSONEq(t, `{"text":"first"}`, string(pending.Message[0].Content))
	assert.JSONEq(t, `{"text":"second"}`, string(pending.Message[1].Content))
	assert.Equal(t, relay.Identity("alice"), pending.Message[0].Sender)
}

func TestConnectionManager_LastRegistrationWins(t *testing.T) {
	fx := setup(t)
	alice, _ := fx.registerClient(t, "alice")
	first, firstHandle := fx.registerClient(t, "bob")

	second := fx.connectClient(t)
	sendFrame(t, second, relay.EventRegister, "bob")
	require.Eventually(t, func() bool {
		h, ok := fx.registry.LookupHandle("bob")
		return ok && h != firstHandle
	}, 2*time.Second, 10*time.Millisecond)

	sendFrame(t, alice, relay.EventPrivateMessage, map[string]any{"toUserId": "bob", "message": "hi"})
	frame := readFrame(t, second)
	assert.Equal(t, relay.EventPrivateMessage, frame.Event)

	// The superseded connection stays open but receives nothing.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)
}

func TestConnectionManager_MalformedFramesAreDropped(t *testing.T) {
	fx := setup(t)
	conn := fx.connectClient(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"data":"alice"}`)))
	sendFrame(t, conn, relay.EventRegister, "alice")

	require.Eventually(t, func() bool {
		_, ok := fx.registry.LookupHandle("alice")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "Connection did not survive malformed frames")
}

func TestConnectionManager_EmitUnknownHandle(t *testing.T) {
	fx := setup(t)

	err := fx.cm.Emit("missing", relay.Frame{Event: relay.EventNotification})
	assert.ErrorIs(t, err, relay.ErrConnectionNotFound)
}

func TestConnectionManager_Shutdown(t *testing.T) {
	fx := setup(t)
	conn, _ := fx.registerClient(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fx.cm.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going-away close, got %v", err)
}

// slowFrameHandler holds every frame for delay before passing it on.
type slowFrameHandler struct {
	*LifecycleHandler
	delay   time.Duration
	started chan struct{}
}

func (h *slowFrameHandler) wrap(inner *LifecycleHandler) ConnectionHandler {
	h.LifecycleHandler = inner
	return h
}

func (h *slowFrameHandler) OnFrame(ctx context.Context, handle relay.ConnectionHandle, frame relay.Frame) {
	if frame.Event == relay.EventPrivateMessage {
		close(h.started)
		time.Sleep(h.delay)
	}
	h.LifecycleHandler.OnFrame(ctx, handle, frame)
}

func TestConnectionManager_ShutdownWaitsForFrameInProgress(t *testing.T) {
	// Arrange
	slow := &slowFrameHandler{delay: 300 * time.Millisecond, started: make(chan struct{})}
	fx := setupWithHandler(t, slow.wrap)
	alice, _ := fx.registerClient(t, "alice")

	sendFrame(t, alice, relay.EventPrivateMessage, map[string]any{"toUserId": "bob", "message": "late"})
	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the handler")
	}

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.cm.Shutdown(ctx))
	fx.router.Wait()

	// Assert
	assert.Equal(t, 1, fx.store.Count("bob"), "offline message routed during shutdown was lost")
}

func TestConnectionManager_ShutdownTimesOutOnStuckHandler(t *testing.T) {
	slow := &slowFrameHandler{delay: 500 * time.Millisecond, started: make(chan struct{})}
	fx := setupWithHandler(t, slow.wrap)
	alice, _ := fx.registerClient(t, "alice")

	sendFrame(t, alice, relay.EventPrivateMessage, map[string]any{"toUserId": "bob", "message": "late"})
	<-slow.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := fx.cm.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The handler still finishes its frame after the timeout.
	require.Eventually(t, func() bool {
		return fx.store.Count("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)
	fx.router.Wait()
}

func TestConnectionManager_RejectsConnectionsAfterShutdown(t *testing.T) {
	fx := setup(t)
	require.NoError(t, fx.cm.Shutdown(context.Background()))

	conn := fx.connectClient(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going-away close, got %v", err)
	assert.Zero(t, fx.cm.ActiveConnections())
}

func TestConnectionManager_SilentPeerIsDropped(t *testing.T) {
	// Arrange
	fx := setup(t, WithKeepalive(50*time.Millisecond, 200*time.Millisecond))

	// Act: the client never reads, so pings are never answered.
	_, handle := fx.registerClient(t, "alice")

	// Assert
	require.Eventually(t, func() bool {
		_, ok := fx.registry.LookupHandle("alice")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "Silent peer stayed registered")
	assert.Equal(t, StateClosed, fx.handler.State(handle))
	assert.Zero(t, fx.cm.ActiveConnections())
}

func TestConnectionManager_ResponsivePeerStaysRegistered(t *testing.T) {
	fx := setup(t, WithKeepalive(50*time.Millisecond, 200*time.Millisecond))
	conn, handle := fx.registerClient(t, "alice")

	// Reading lets the default ping handler answer with pongs.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(600 * time.Millisecond)

	h, ok := fx.registry.LookupHandle("alice")
	assert.True(t, ok, "Responsive peer was dropped")
	assert.Equal(t, handle, h)
	assert.Equal(t, StateRegistered, fx.handler.State(handle))
}

func TestConnectionManager_OversizedFrameDisconnects(t *testing.T) {
	fx := setup(t, WithReadLimit(1024))
	conn, _ := fx.registerClient(t, "alice")

	big := strings.Repeat("x", 4096)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	require.Eventually(t, func() bool {
		_, ok := fx.registry.LookupHandle("alice")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "Oversized frame did not close the connection")
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestDisconnectReason(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, "client namespace disconnect"},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, "client namespace disconnect"},
		{"other close", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, "close 1008"},
		{"read limit", websocket.ErrReadLimit, "message too large"},
		{"deadline", timeoutError{}, "ping timeout"},
		{"other", errors.New("connection reset"), "transport error"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, disconnectReason(tc.err))
		})
	}
}

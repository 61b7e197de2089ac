package delivery_test

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// --- Mocks ---

type mockEmitter struct {
	mock.Mock
}

func (m *mockEmitter) Emit(handle relay.ConnectionHandle, frame relay.Frame) error {
	args := m.Called(handle, frame)
	return args.Error(0)
}

type mockMessageStore struct {
	mock.Mock
}

func (m *mockMessageStore) Save(ctx context.Context, sender, recipient relay.Identity, content json.RawMessage) error {
	args := m.Called(ctx, sender, recipient, content)
	return args.Error(0)
}

func (m *mockMessageStore) PendingMessages(ctx context.Context, recipient relay.Identity) ([]relay.Message, error) {
	args := m.Called(ctx, recipient)
	var result []relay.Message
	if val, ok := args.Get(0).([]relay.Message); ok {
		result = val
	}
	return result, args.Error(1)
}

type mockPushGateway struct {
	mock.Mock
}

func (m *mockPushGateway) SendBatch(ctx context.Context, addresses []string, notification relay.PushNotification) ([]relay.PushReceipt, error) {
	args := m.Called(ctx, addresses, notification)
	var result []relay.PushReceipt
	if val, ok := args.Get(0).([]relay.PushReceipt); ok {
		result = val
	}
	return result, args.Error(1)
}

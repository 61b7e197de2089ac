package relay

import (
	"context"
	"encoding/json"
)

// Emitter delivers an outbound frame to a live connection. Delivery is
// send-and-forget; no acknowledgment is awaited.
type Emitter interface {
	Emit(handle ConnectionHandle, frame Frame) error
}

// MessageStore is the durable store collaborator used on the offline path.
type MessageStore interface {
	// Save persists a message for a recipient who is not connected.
	Save(ctx context.Context, sender, recipient Identity, content json.RawMessage) error

	// PendingMessages returns the messages stored for a recipient in the
	// order the store keeps them. An empty slice means nothing is pending.
	PendingMessages(ctx context.Context, recipient Identity) ([]Message, error)
}

// PushGateway delivers one notification to a set of device push addresses.
type PushGateway interface {
	SendBatch(ctx context.Context, addresses []string, notification PushNotification) ([]PushReceipt, error)
}

// ServiceRegistry announces this instance to a discovery service.
type ServiceRegistry interface {
	Register(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	Deregister(ctx context.Context) error
}

// ServiceDependencies holds the external collaborators the relay needs to operate.
// This struct is used for dependency injection.
type ServiceDependencies struct {
	MessageStore MessageStore
	PushGateway  PushGateway
}

// Package relay contains the public domain models, event contracts and
// collaborator interfaces for the presence relay. It defines the contract
// for interacting with the service.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRecipientOffline is returned when the target identity has no live connection.
	ErrRecipientOffline = errors.New("recipient is not connected")
	// ErrConnectionNotFound is returned when a handle is no longer held by the transport.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrInvalidFrame is returned for frames or payloads that do not match their event shape.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrInvalidRequest is returned for HTTP request bodies that fail decoding or validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownEvent is returned for inbound frames with an unsupported event name.
	ErrUnknownEvent = errors.New("unknown event")
)

// Identity is an opaque user key. Identities arriving as JSON numbers are
// normalized to their decimal string form so all lookups are string-keyed.
type Identity string

// String implements fmt.Stringer.
func (id Identity) String() string { return string(id) }

// UnmarshalJSON accepts a JSON string or a JSON number.
func (id *Identity) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("failed to decode identity: %w", err)
		}
		*id = Identity(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("identity must be a string or a number: %w", err)
	}
	*id = Identity(n.String())
	return nil
}

// ConnectionHandle identifies one live transport connection. It is assigned
// by the transport when the connection is accepted.
type ConnectionHandle string

// String implements fmt.Stringer.
func (h ConnectionHandle) String() string { return string(h) }

// Message is a point-to-point message as exchanged with the durable store.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Sender    Identity        `json:"sender"`
	Recipient Identity        `json:"recipient"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PushNotification is the device notification sent through a PushGateway.
type PushNotification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// PushReceipt is the per-address result reported by a PushGateway.
// Receipts are logged only.
type PushReceipt struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// PayloadText extracts a human-readable body from a message payload: the
// "text" field of an object payload, or the payload itself when it is a
// JSON string.
func PayloadText(payload json.RawMessage) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case '{':
		var obj struct {
			Text json.RawMessage `json:"text"`
		}
		if err := json.Unmarshal(trimmed, &obj); err == nil && len(obj.Text) > 0 {
			return PayloadText(obj.Text)
		}
	}
	return ""
}

// PayloadSender extracts the "sender" field of an object payload, if any.
func PayloadSender(payload json.RawMessage) Identity {
	var obj struct {
		Sender Identity `json:"sender"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}
	return obj.Sender
}

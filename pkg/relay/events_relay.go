/*
File: pkg/relay/events_relay.go
Description: Websocket frame contract. Every event is a tagged variant with
a fixed field set that is validated before it reaches routing logic.
*/
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event names carried in Frame.Event.
const (
	EventRegister        = "register"
	EventPrivateMessage  = "private_message"
	EventNotification    = "notification"
	EventPendingMessages = "pending_messages"
)

// ServerSender is the "from" value of notifications originated by the service.
const ServerSender = "server"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// "present" rejects the payload values the socket clients treat as empty.
	_ = v.RegisterValidation("present", func(fl validator.FieldLevel) bool {
		return !isBlankPayload(fl.Field().Bytes())
	})
	return v
}

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Event string          `json:"event" validate:"required"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for the given event.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// DecodeFrame parses and validates a raw websocket message.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := validate.Struct(frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return frame, nil
}

// --- Inbound events ---

// RegisterEvent binds the sending connection to a claimed identity.
// Clients may send either a bare identity or {"userId": ...}.
type RegisterEvent struct {
	UserID Identity `json:"userId" validate:"required"`
}

// PrivateMessageEvent asks the relay to route a message to another identity.
type PrivateMessageEvent struct {
	ToUserID Identity        `json:"toUserId" validate:"required"`
	Message  json.RawMessage `json:"message" validate:"present"`
}

// NotificationEvent asks the relay to push a notification to an online identity.
type NotificationEvent struct {
	ToUserID Identity        `json:"toUserId" validate:"required"`
	Message  json.RawMessage `json:"message" validate:"present"`
}

// DecodeRegister decodes and validates the data of a register frame.
func DecodeRegister(data json.RawMessage) (RegisterEvent, error) {
	var event RegisterEvent
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return RegisterEvent{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	} else if err := json.Unmarshal(trimmed, &event.UserID); err != nil {
		return RegisterEvent{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return event, validateEvent(event)
}

// DecodePrivateMessage decodes and validates the data of a private_message frame.
func DecodePrivateMessage(data json.RawMessage) (PrivateMessageEvent, error) {
	var event PrivateMessageEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return PrivateMessageEvent{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return event, validateEvent(event)
}

// DecodeNotification decodes and validates the data of a notification frame.
func DecodeNotification(data json.RawMessage) (NotificationEvent, error) {
	var event NotificationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return NotificationEvent{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return event, validateEvent(event)
}

// Validate runs the struct validation rules used for events on any value,
// so request bodies share the same rules. Failures wrap ErrInvalidRequest.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func validateEvent(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// --- Outbound events ---

// PrivateMessagePayload is delivered to the recipient's live connection.
type PrivateMessagePayload struct {
	From      string          `json:"from"`
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"`
}

// NewPrivateMessagePayload stamps a payload with the server time in Unix milliseconds.
func NewPrivateMessagePayload(from string, message json.RawMessage, now time.Time) PrivateMessagePayload {
	return PrivateMessagePayload{
		From:      from,
		Message:   message,
		Timestamp: now.UnixMilli(),
	}
}

// PendingMessagesPayload carries every message replayed on registration.
type PendingMessagesPayload struct {
	Message []Message `json:"message"`
}

// NotificationPayload is delivered for both peer and server notifications.
type NotificationPayload struct {
	From                string          `json:"from"`
	Message             json.RawMessage `json:"message,omitempty"`
	NotificationTitle   string          `json:"notificationTitle,omitempty"`
	NotificationMessage string          `json:"notificationMessage,omitempty"`
}

func isBlankPayload(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	switch string(trimmed) {
	case "", "null", `""`, "false", "0":
		return true
	}
	return false
}

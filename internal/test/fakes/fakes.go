// Package fakes provides in-memory test doubles (fakes) for the service's
// collaborators. These are used by the local run mode and in tests.
package fakes

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// --- Message Store ---

// MessageStore keeps pending messages in memory. PendingMessages drains the
// recipient's list, oldest first.
type MessageStore struct {
	mu       sync.Mutex
	messages map[relay.Identity][]relay.Message
	logger   zerolog.Logger
}

func NewMessageStore(logger zerolog.Logger) *MessageStore {
	return &MessageStore{
		messages: make(map[relay.Identity][]relay.Message),
		logger:   logger.With().Str("component", "InMemoryMessageStore").Logger(),
	}
}

func (s *MessageStore) Save(_ context.Context, sender, recipient relay.Identity, content json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[recipient] = append(s.messages[recipient], relay.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   append(json.RawMessage(nil), content...),
		CreatedAt: time.Now().UTC(),
	})
	s.logger.Info().Str("recipient", recipient.String()).Msg("[FAKES-STORE] Save called.")
	return nil
}

func (s *MessageStore) PendingMessages(_ context.Context, recipient relay.Identity) ([]relay.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.messages[recipient]
	delete(s.messages, recipient)
	return pending, nil
}

// Count returns the number of messages waiting for recipient.
func (s *MessageStore) Count(recipient relay.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[recipient])
}

// --- Push Gateway ---

// SentPush is one recorded SendBatch call.
type SentPush struct {
	Addresses    []string
	Notification relay.PushNotification
}

// PushGateway records every batch instead of contacting a push service.
type PushGateway struct {
	mu     sync.Mutex
	sent   []SentPush
	logger zerolog.Logger
}

func NewPushGateway(logger zerolog.Logger) *PushGateway {
	return &PushGateway{logger: logger.With().Str("component", "InMemoryPushGateway").Logger()}
}

func (p *PushGateway) SendBatch(_ context.Context, addresses []string, notification relay.PushNotification) ([]relay.PushReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sent = append(p.sent, SentPush{
		Addresses:    append([]string(nil), addresses...),
		Notification: notification,
	})
	p.logger.Info().Int("addresses", len(addresses)).Str("title", notification.Title).Msg("[FAKES-PUSH] SendBatch called.")

	receipts := make([]relay.PushReceipt, len(addresses))
	for i := range receipts {
		receipts[i] = relay.PushReceipt{Status: "ok", ID: uuid.NewString()}
	}
	return receipts, nil
}

// Sent returns a copy of every recorded batch.
func (p *PushGateway) Sent() []SentPush {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SentPush(nil), p.sent...)
}

// --- Service Registry ---

// ServiceRegistry is a no-op discovery client for local runs.
type ServiceRegistry struct{ logger zerolog.Logger }

func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{logger: logger.With().Str("component", "NoopServiceRegistry").Logger()}
}

func (r *ServiceRegistry) Register(_ context.Context) error {
	r.logger.Debug().Msg("[FAKES-DISCOVERY] Register called.")
	return nil
}
func (r *ServiceRegistry) Heartbeat(_ context.Context) error  { return nil }
func (r *ServiceRegistry) Deregister(_ context.Context) error { return nil }

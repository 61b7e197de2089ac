package push

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// pubsubTopicClient defines the interface for the underlying pubsub.Publisher.
// This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// NotificationRequest is the command published for a downstream
// notification service, which owns the device delivery.
type NotificationRequest struct {
	RequestID string            `json:"requestId"`
	Addresses []string          `json:"addresses"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Sound     string            `json:"sound"`
	Data      map[string]string `json:"data,omitempty"`
}

// PubSubGateway hands notifications to a notification service over Pub/Sub
// instead of calling a push provider directly.
type PubSubGateway struct {
	topic  pubsubTopicClient
	logger zerolog.Logger
}

// NewPubSubGateway is the constructor for the Pub/Sub push gateway.
func NewPubSubGateway(topic pubsubTopicClient, logger zerolog.Logger) (*PubSubGateway, error) {
	if topic == nil {
		return nil, fmt.Errorf("topic cannot be nil")
	}
	return &PubSubGateway{
		topic:  topic,
		logger: logger.With().Str("component", "PubSubGateway").Logger(),
	}, nil
}

// SendBatch publishes one request for the whole address set and waits for
// the publish result. The single receipt carries the server message id.
func (g *PubSubGateway) SendBatch(ctx context.Context, addresses []string, notification relay.PushNotification) ([]relay.PushReceipt, error) {
	request := NotificationRequest{
		RequestID: uuid.NewString(),
		Addresses: addresses,
		Title:     notification.Title,
		Body:      notification.Body,
		Sound:     "default",
		Data:      notification.Data,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification request: %w", err)
	}

	result := g.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"type": "push"},
	})
	serverID, err := result.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to publish notification request: %w", err)
	}

	g.logger.Debug().Str("request_id", request.RequestID).Str("msg_id", serverID).Int("addresses", len(addresses)).
		Msg("Published notification request.")
	return []relay.PushReceipt{{Status: "queued", ID: serverID}}, nil
}

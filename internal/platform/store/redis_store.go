package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// maxPendingBatch caps how many messages one replay drains.
const maxPendingBatch = 1000

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPop(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisMessageStore keeps one list per recipient under `pending:{identity}`.
// Save pushes onto the head; PendingMessages pops from the tail, so messages
// come back oldest first and each is handed out once.
type RedisMessageStore struct {
	client redisClient
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisMessageStore creates a RedisMessageStore. A zero ttl keeps lists
// until they are drained.
func NewRedisMessageStore(client redisClient, ttl time.Duration, logger zerolog.Logger) (*RedisMessageStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisMessageStore{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "RedisMessageStore").Logger(),
	}, nil
}

// Save adds a message to the head of the recipient's list.
func (s *RedisMessageStore) Save(ctx context.Context, sender, recipient relay.Identity, content json.RawMessage) error {
	msg := storedMessage{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal redis message: %w", err)
	}

	key := pendingKey(recipient)
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to lpush pending message: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to set pending list expiry.")
		}
	}

	s.logger.Debug().Str("key", key).Str("msg_id", msg.ID).Msg("Offline message saved.")
	return nil
}

// PendingMessages drains the recipient's list, oldest first.
func (s *RedisMessageStore) PendingMessages(ctx context.Context, recipient relay.Identity) ([]relay.Message, error) {
	key := pendingKey(recipient)
	log := s.logger.With().Str("key", key).Logger()
	messages := make([]relay.Message, 0)

	for i := 0; i < maxPendingBatch; i++ {
		payload, err := s.client.RPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			// Messages popped so far are returned rather than lost.
			if len(messages) > 0 {
				log.Error().Err(err).Int("drained", len(messages)).Msg("Failed to rpop pending message, returning partial batch.")
				return messages, nil
			}
			return nil, fmt.Errorf("failed to rpop pending message: %w", err)
		}

		var msg storedMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			log.Warn().Err(err).Msg("Dropping poison message from pending list.")
			continue
		}
		messages = append(messages, msg.toMessage())
	}

	if len(messages) > 0 {
		log.Debug().Int("count", len(messages)).Msg("Drained pending messages.")
	}
	return messages, nil
}

func pendingKey(recipient relay.Identity) string {
	return "pending:" + recipient.String()
}

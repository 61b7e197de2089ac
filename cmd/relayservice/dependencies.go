package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-presence-relay/internal/platform/push"
	"github.com/tinywideclouds/go-presence-relay/internal/platform/store"
	"github.com/tinywideclouds/go-presence-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
	"github.com/tinywideclouds/go-presence-relay/relayservice/config"
)

// closers accumulates cleanup for opened clients, run in reverse order.
type closers []func() error

func (c closers) closeAll(logger zerolog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn().Err(err).Msg("Failed to close dependency")
		}
	}
}

// newDependencies builds the service dependency container. The returned
// cleanup closes every client that was opened.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (relay.ServiceDependencies, func(), error) {
	if cfg.RunMode == config.RunModeLocal {
		logger.Info().Msg("Using in-memory message store and push gateway")
		return relay.ServiceDependencies{
			MessageStore: fakes.NewMessageStore(logger),
			PushGateway:  fakes.NewPushGateway(logger),
		}, func() {}, nil
	}

	var opened closers
	cleanup := func() { opened.closeAll(logger) }

	messageStore, err := newMessageStore(ctx, cfg, &opened, logger)
	if err != nil {
		cleanup()
		return relay.ServiceDependencies{}, nil, fmt.Errorf("failed to create message store: %w", err)
	}
	pushGateway, err := newPushGateway(ctx, cfg, &opened, logger)
	if err != nil {
		cleanup()
		return relay.ServiceDependencies{}, nil, fmt.Errorf("failed to create push gateway: %w", err)
	}

	logger.Debug().Msg("All production dependencies initialized")
	return relay.ServiceDependencies{
		MessageStore: messageStore,
		PushGateway:  pushGateway,
	}, cleanup, nil
}

// newMessageStore creates the pluggable MessageStore based on config.
func newMessageStore(ctx context.Context, cfg *config.AppConfig, opened *closers, logger zerolog.Logger) (relay.MessageStore, error) {
	storeCfg := cfg.MessageStore
	logger.Info().Str("type", storeCfg.Type).Msg("Initializing message store...")

	switch storeCfg.Type {
	case "http":
		return store.NewHTTPMessageStore(storeCfg.BaseURL, nil, logger)

	case "redis":
		return newRedisStore(ctx, storeCfg, opened, logger)

	case "firestore":
		return newFirestoreStore(ctx, storeCfg, opened, logger)

	case "tiered":
		hot, err := newRedisStore(ctx, storeCfg, opened, logger)
		if err != nil {
			return nil, err
		}
		cold, err := newFirestoreStore(ctx, storeCfg, opened, logger)
		if err != nil {
			return nil, err
		}
		return store.NewTieredMessageStore(hot, cold, logger)

	case "badger":
		db, err := store.OpenBadger(storeCfg.BadgerDir)
		if err != nil {
			return nil, err
		}
		*opened = append(*opened, db.Close)
		return store.NewBadgerMessageStore(db, logger)

	default:
		return nil, fmt.Errorf("invalid message_store type: %s", storeCfg.Type)
	}
}

func newRedisStore(ctx context.Context, storeCfg config.MessageStoreConfig, opened *closers, logger zerolog.Logger) (*store.RedisMessageStore, error) {
	logger.Debug().Str("addr", storeCfg.RedisAddr).Msg("Connecting to Redis message store")
	rdb := redis.NewClient(&redis.Options{Addr: storeCfg.RedisAddr})
	*opened = append(*opened, rdb.Close)
	// Test the connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", storeCfg.RedisAddr, err)
	}
	logger.Info().Str("addr", storeCfg.RedisAddr).Msg("Connected to Redis message store")
	return store.NewRedisMessageStore(rdb, storeCfg.RedisTTL, logger)
}

func newFirestoreStore(ctx context.Context, storeCfg config.MessageStoreConfig, opened *closers, logger zerolog.Logger) (*store.FirestoreMessageStore, error) {
	logger.Debug().Str("project_id", storeCfg.FirestoreProjectID).Msg("Connecting to Firestore")
	fsClient, err := firestore.NewClient(ctx, storeCfg.FirestoreProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to firestore: %w", err)
	}
	*opened = append(*opened, fsClient.Close)
	return store.NewFirestoreMessageStore(fsClient, storeCfg.FirestoreCollection, logger)
}

// newPushGateway creates the pluggable PushGateway based on config.
func newPushGateway(ctx context.Context, cfg *config.AppConfig, opened *closers, logger zerolog.Logger) (relay.PushGateway, error) {
	pushCfg := cfg.PushGateway
	logger.Info().Str("type", pushCfg.Type).Msg("Initializing push gateway...")

	switch pushCfg.Type {
	case "expo":
		return push.NewExpoGateway(pushCfg.ExpoURL, pushCfg.ExpoBatchSize, nil, logger), nil

	case "pubsub":
		logger.Debug().Str("project_id", pushCfg.PubSubProject).Msg("Connecting to PubSub")
		psClient, err := pubsub.NewClient(ctx, pushCfg.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		*opened = append(*opened, psClient.Close)

		topicName := topicResourceName(pushCfg.PubSubProject, pushCfg.PubSubTopicID)
		if err := ensureTopic(ctx, psClient, topicName, logger); err != nil {
			return nil, err
		}
		publisher := psClient.Publisher(topicName)
		*opened = append(*opened, func() error {
			publisher.Stop()
			return nil
		})
		return push.NewPubSubGateway(publisher, logger)

	default:
		return nil, fmt.Errorf("invalid push_gateway type: %s", pushCfg.Type)
	}
}

// ensureTopic creates the Pub/Sub topic if it doesn't already exist.
func ensureTopic(ctx context.Context, psClient *pubsub.Client, topicName string, logger zerolog.Logger) error {
	logger.Debug().Str("topic", topicName).Msg("Ensuring topic exists")
	_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.AlreadyExists {
		logger.Debug().Str("topic", topicName).Msg("Topic already exists, skipping creation")
		return nil
	}
	return errors.Join(fmt.Errorf("could not create topic: %s", topicName), err)
}

// topicResourceName formats a short topic ID into a full GCP resource name.
func topicResourceName(project, id string) string {
	return fmt.Sprintf("projects/%s/topics/%s", project, id)
}

// Package delivery decides how a message reaches its recipient: over the
// recipient's live connection, or through the durable store and push
// gateway when the recipient is offline.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const (
	defaultCollaboratorTimeout = 10 * time.Second
	defaultPushTitle           = "New Message"
)

// PresenceReader is the read path of the presence registry.
type PresenceReader interface {
	LookupHandle(identity relay.Identity) (relay.ConnectionHandle, bool)
	PushAddresses(identity relay.Identity) []string
}

// Path records which branch Route took.
type Path int

const (
	PathOnline Path = iota
	PathOffline
)

func (p Path) String() string {
	if p == PathOnline {
		return "online"
	}
	return "offline"
}

// Option configures a Router.
type Option func(*Router)

// WithCollaboratorTimeout bounds every store and push call made by the router.
func WithCollaboratorTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPushTitle overrides the fixed title of offline push notifications.
func WithPushTitle(title string) Option {
	return func(r *Router) {
		if title != "" {
			r.pushTitle = title
		}
	}
}

// WithClock overrides the source of server timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router routes point-to-point messages and replays pending messages.
//
// Offline side effects (persist, push) run as detached tasks. Their failures
// are logged and never retried; Wait blocks until all of them have finished.
type Router struct {
	presence  PresenceReader
	emitter   relay.Emitter
	store     relay.MessageStore
	push      relay.PushGateway
	timeout   time.Duration
	pushTitle string
	now       func() time.Time
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(
	presence PresenceReader,
	emitter relay.Emitter,
	store relay.MessageStore,
	push relay.PushGateway,
	logger zerolog.Logger,
	opts ...Option,
) (*Router, error) {
	if presence == nil {
		return nil, fmt.Errorf("presence reader cannot be nil")
	}
	if emitter == nil {
		return nil, fmt.Errorf("emitter cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil")
	}
	if push == nil {
		return nil, fmt.Errorf("push gateway cannot be nil")
	}

	r := &Router{
		presence:  presence,
		emitter:   emitter,
		store:     store,
		push:      push,
		timeout:   defaultCollaboratorTimeout,
		pushTitle: defaultPushTitle,
		now:       time.Now,
		logger:    logger.With().Str("component", "DeliveryRouter").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Route delivers payload from sender to recipient and reports the branch taken.
func (r *Router) Route(ctx context.Context, sender, recipient relay.Identity, payload json.RawMessage) Path {
	log := r.logger.With().Str("sender", sender.String()).Str("recipient", recipient.String()).Logger()

	// 1. Check presence
	if handle, ok := r.presence.LookupHandle(recipient); ok {
		err := r.emitOnline(handle, sender, payload)
		if err == nil {
			log.Info().Str("handle", handle.String()).Msg("Message delivered via live connection.")
			return PathOnline
		}
		if !errors.Is(err, relay.ErrConnectionNotFound) {
			// The write itself failed; the transport's own guarantees apply.
			log.Error().Err(err).Str("handle", handle.String()).Msg("Failed to emit message to live connection.")
			return PathOnline
		}
		log.Warn().Str("handle", handle.String()).Msg("Live connection vanished before emit. Falling back to offline path.")
	}

	// 2. Offline path
	log.Info().Msg("User offline, persisting message.")
	r.routeOffline(ctx, log, sender, recipient, payload)
	return PathOffline
}

func (r *Router) emitOnline(handle relay.ConnectionHandle, sender relay.Identity, payload json.RawMessage) error {
	frame, err := relay.NewFrame(
		relay.EventPrivateMessage,
		relay.NewPrivateMessagePayload(sender.String(), payload, r.now()),
	)
	if err != nil {
		return err
	}
	return r.emitter.Emit(handle, frame)
}

// routeOffline starts the persist and push tasks. They are independent: a
// failure in one does not prevent the other.
func (r *Router) routeOffline(ctx context.Context, log zerolog.Logger, sender, recipient relay.Identity, payload json.RawMessage) {
	r.detach(ctx, func(ctx context.Context) {
		if err := r.store.Save(ctx, sender, recipient, payload); err != nil {
			log.Error().Err(err).Msg("Failed to save offline message.")
			return
		}
		log.Debug().Msg("Offline message saved.")
	})

	addresses := r.presence.PushAddresses(recipient)
	if len(addresses) == 0 {
		log.Debug().Msg("No push addresses registered, skipping push.")
		return
	}

	notification := relay.PushNotification{
		Title: r.pushTitle,
		Body:  relay.PayloadText(payload),
		Data:  map[string]string{"senderId": sender.String()},
	}
	r.detach(ctx, func(ctx context.Context) {
		receipts, err := r.push.SendBatch(ctx, addresses, notification)
		if err != nil {
			log.Error().Err(err).Msg("Failed to send push notification.")
			return
		}
		log.Info().Int("addresses", len(addresses)).Int("receipts", len(receipts)).Msg("Push notification sent.")
	})
}

// detach runs fn in its own goroutine with a bounded context that outlives
// the caller's cancellation.
func (r *Router) detach(parent context.Context, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// ReplayPending fetches the messages stored for identity and emits them to
// handle as a single pending_messages event, in the order the store returned
// them. A failed fetch counts as zero pending messages. It returns the number
// of messages emitted.
func (r *Router) ReplayPending(ctx context.Context, identity relay.Identity, handle relay.ConnectionHandle) int {
	log := r.logger.With().Str("user", identity.String()).Str("handle", handle.String()).Logger()

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages, err := r.store.PendingMessages(fetchCtx, identity)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch offline messages.")
		return 0
	}
	if len(messages) == 0 {
		log.Debug().Msg("No pending messages.")
		return 0
	}

	frame, err := relay.NewFrame(relay.EventPendingMessages, relay.PendingMessagesPayload{Message: messages})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build pending messages frame.")
		return 0
	}
	if err := r.emitter.Emit(handle, frame); err != nil {
		log.Error().Err(err).Msg("Failed to emit pending messages.")
		return 0
	}

	log.Info().Int("count", len(messages)).Msg("Offline messages delivered.")
	return len(messages)
}

// Wait blocks until every detached offline task has completed.
func (r *Router) Wait() {
	r.wg.Wait()
}

package delivery

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// Dispatcher pushes notifications to online identities. Notifications are
// best-effort: nothing is persisted or pushed for offline targets.
type Dispatcher struct {
	presence PresenceReader
	emitter  relay.Emitter
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(presence PresenceReader, emitter relay.Emitter, logger zerolog.Logger) (*Dispatcher, error) {
	if presence == nil {
		return nil, fmt.Errorf("presence reader cannot be nil")
	}
	if emitter == nil {
		return nil, fmt.Errorf("emitter cannot be nil")
	}
	return &Dispatcher{
		presence: presence,
		emitter:  emitter,
		logger:   logger.With().Str("component", "NotificationDispatcher").Logger(),
	}, nil
}

// Notify emits a notification event to target. It returns
// relay.ErrRecipientOffline when target has no live connection.
func (d *Dispatcher) Notify(target relay.Identity, payload relay.NotificationPayload) error {
	handle, ok := d.presence.LookupHandle(target)
	d.logger.Info().Str("recipient", target.String()).Bool("delivered", ok).Msg("Notification event.")
	if !ok {
		return relay.ErrRecipientOffline
	}

	frame, err := relay.NewFrame(relay.EventNotification, payload)
	if err != nil {
		return err
	}
	if err := d.emitter.Emit(handle, frame); err != nil {
		if errors.Is(err, relay.ErrConnectionNotFound) {
			return fmt.Errorf("%w: %v", relay.ErrRecipientOffline, err)
		}
		return fmt.Errorf("failed to emit notification: %w", err)
	}
	return nil
}

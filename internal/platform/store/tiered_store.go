package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// TieredMessageStore orchestrates a fast, transient hot store and a
// durable cold store. Saves go to hot and fall back to cold; pending
// messages are drained from both.
type TieredMessageStore struct {
	hot    relay.MessageStore
	cold   relay.MessageStore
	logger zerolog.Logger
}

// NewTieredMessageStore creates a new tiered store.
func NewTieredMessageStore(hot, cold relay.MessageStore, logger zerolog.Logger) (*TieredMessageStore, error) {
	if hot == nil {
		return nil, fmt.Errorf("hot store cannot be nil")
	}
	if cold == nil {
		return nil, fmt.Errorf("cold store cannot be nil")
	}
	return &TieredMessageStore{
		hot:    hot,
		cold:   cold,
		logger: logger.With().Str("component", "TieredMessageStore").Logger(),
	}, nil
}

// Save attempts the hot store and falls back to cold on error.
func (t *TieredMessageStore) Save(ctx context.Context, sender, recipient relay.Identity, content json.RawMessage) error {
	err := t.hot.Save(ctx, sender, recipient, content)
	if err == nil {
		return nil
	}
	t.logger.Error().Err(err).Str("recipient", recipient.String()).
		Msg("Hot store save failed. Falling back to cold store.")

	if errCold := t.cold.Save(ctx, sender, recipient, content); errCold != nil {
		t.logger.Error().Err(errCold).Str("recipient", recipient.String()).
			Msg("Hot and cold store save failed.")
		return errors.Join(err, errCold)
	}
	return nil
}

// PendingMessages drains both tiers and merges them oldest first. A
// failing tier is logged and skipped; an error is returned only when
// both fail.
func (t *TieredMessageStore) PendingMessages(ctx context.Context, recipient relay.Identity) ([]relay.Message, error) {
	log := t.logger.With().Str("recipient", recipient.String()).Logger()

	hotMessages, hotErr := t.hot.PendingMessages(ctx, recipient)
	if hotErr != nil {
		log.Error().Err(hotErr).Msg("Failed to drain hot store.")
	}
	coldMessages, coldErr := t.cold.PendingMessages(ctx, recipient)
	if coldErr != nil {
		log.Error().Err(coldErr).Msg("Failed to drain cold store.")
	}
	if hotErr != nil && coldErr != nil {
		return nil, errors.Join(hotErr, coldErr)
	}

	// Cold holds fallbacks from hot outages, so it may interleave with hot.
	merged := make([]relay.Message, 0, len(hotMessages)+len(coldMessages))
	merged = append(merged, coldMessages...)
	merged = append(merged, hotMessages...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged, nil
}

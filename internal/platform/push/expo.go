// Package push contains the push gateways used to reach offline devices.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const (
	// DefaultExpoURL is the public Expo push endpoint.
	DefaultExpoURL = "https://exp.host/--/api/v2/push/send"
	// DefaultExpoBatchSize is the largest batch Expo accepts per request.
	DefaultExpoBatchSize = 100
)

type expoMessage struct {
	To    string            `json:"to"`
	Sound string            `json:"sound"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type expoResponse struct {
	Data []relay.PushReceipt `json:"data"`
}

// ExpoGateway sends notifications through the Expo push service.
type ExpoGateway struct {
	url       string
	batchSize int
	client    *http.Client
	logger    zerolog.Logger
}

// NewExpoGateway creates an ExpoGateway. Empty or non-positive arguments
// fall back to the defaults.
func NewExpoGateway(url string, batchSize int, client *http.Client, logger zerolog.Logger) *ExpoGateway {
	if url == "" {
		url = DefaultExpoURL
	}
	if batchSize <= 0 || batchSize > DefaultExpoBatchSize {
		batchSize = DefaultExpoBatchSize
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ExpoGateway{
		url:       url,
		batchSize: batchSize,
		client:    client,
		logger:    logger.With().Str("component", "ExpoGateway").Logger(),
	}
}

// SendBatch sends notification to every address, one request per chunk.
// A failed chunk does not stop the others; all chunk errors are joined.
func (g *ExpoGateway) SendBatch(ctx context.Context, addresses []string, notification relay.PushNotification) ([]relay.PushReceipt, error) {
	messages := lo.Map(addresses, func(address string, _ int) expoMessage {
		return expoMessage{
			To:    address,
			Sound: "default",
			Title: notification.Title,
			Body:  notification.Body,
			Data:  notification.Data,
		}
	})

	var receipts []relay.PushReceipt
	var errs []error
	for i, chunk := range lo.Chunk(messages, g.batchSize) {
		chunkReceipts, err := g.sendChunk(ctx, chunk)
		if err != nil {
			g.logger.Error().Err(err).Int("chunk", i).Int("size", len(chunk)).Msg("Expo push chunk failed.")
			errs = append(errs, err)
			continue
		}
		receipts = append(receipts, chunkReceipts...)
	}

	g.logger.Info().Int("addresses", len(addresses)).Int("receipts", len(receipts)).Msg("Expo push receipts.")
	return receipts, errors.Join(errs...)
}

func (g *ExpoGateway) sendChunk(ctx context.Context, chunk []expoMessage) ([]relay.PushReceipt, error) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal expo messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create expo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("expo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("expo request failed: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var decoded expoResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode expo receipts: %w", err)
	}
	for _, receipt := range decoded.Data {
		if receipt.Status != "ok" {
			g.logger.Warn().Str("status", receipt.Status).Str("message", receipt.Message).Msg("Expo rejected a push.")
		}
	}
	return decoded.Data, nil
}

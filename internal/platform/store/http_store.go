package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

const (
	saveMessagePath     = "/chat/api/message"
	pendingMessagesPath = "/chat/api/messages/pending/"
	maxErrorBodyBytes   = 512
)

// HTTPMessageStore talks to the chat backend that owns message persistence.
type HTTPMessageStore struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPMessageStore creates a store for the backend at baseURL.
func NewHTTPMessageStore(baseURL string, client *http.Client, logger zerolog.Logger) (*HTTPMessageStore, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid message store base url %q: %w", baseURL, err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPMessageStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With().Str("component", "HTTPMessageStore").Logger(),
	}, nil
}

// saveRequest carries the message content as a JSON-encoded string, which
// is the shape the backend stores.
type saveRequest struct {
	Sender    relay.Identity `json:"sender"`
	Recipient relay.Identity `json:"recipient"`
	Content   string         `json:"content"`
}

// Save posts the message to the backend.
func (s *HTTPMessageStore) Save(ctx context.Context, sender, recipient relay.Identity, content json.RawMessage) error {
	body, err := json.Marshal(saveRequest{
		Sender:    sender,
		Recipient: recipient,
		Content:   string(content),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal save request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+saveMessagePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to save offline message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to save offline message: %s", responseError(resp))
	}

	s.logger.Info().Str("sender", sender.String()).Str("recipient", recipient.String()).Msg("Offline message saved.")
	return nil
}

// wireMessage is a pending message as the backend returns it. Ids may be
// numeric and content is usually a JSON-encoded string.
type wireMessage struct {
	ID        relay.Identity  `json:"id"`
	Sender    relay.Identity  `json:"sender"`
	Recipient relay.Identity  `json:"recipient"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"createdAt"`
}

// PendingMessages fetches the messages waiting for recipient. A 404 from the
// backend means nothing is pending.
func (s *HTTPMessageStore) PendingMessages(ctx context.Context, recipient relay.Identity) ([]relay.Message, error) {
	endpoint := s.baseURL + pendingMessagesPath + url.PathEscape(recipient.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		s.logger.Warn().Str("user", recipient.String()).Msg("No offline messages.")
		return []relay.Message{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch pending messages: %s", responseError(resp))
	}

	var wire []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode pending messages: %w", err)
	}

	messages := make([]relay.Message, 0, len(wire))
	for _, w := range wire {
		messages = append(messages, relay.Message{
			ID:        w.ID.String(),
			Sender:    w.Sender,
			Recipient: w.Recipient,
			Content:   unwrapContent(w.Content),
			CreatedAt: parseBackendTime(w.CreatedAt),
		})
	}
	return messages, nil
}

// parseBackendTime accepts RFC 3339 and zone-less ISO timestamps. Unparseable
// values yield the zero time.
func parseBackendTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func responseError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

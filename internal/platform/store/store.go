// Package store provides the durable message stores used on the offline
// delivery path.
package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// storedMessage is the JSON document written by the redis and badger stores.
type storedMessage struct {
	ID        string          `json:"id"`
	Sender    relay.Identity  `json:"sender"`
	Recipient relay.Identity  `json:"recipient"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (m storedMessage) toMessage() relay.Message {
	return relay.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// unwrapContent turns a content field that holds JSON encoded as a string
// back into the JSON value. Anything else is returned unchanged.
func unwrapContent(content json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return content
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return content
	}
	if json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return content
}

package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// firestoreMessage is the document stored under
// {collection}/{recipientDocID(recipient)}/messages/{id}. Content is kept as JSON text.
type firestoreMessage struct {
	Sender    string    `firestore:"sender"`
	Recipient string    `firestore:"recipient"`
	Content   string    `firestore:"content"`
	QueuedAt  time.Time `firestore:"queued_at"`
}

// FirestoreMessageStore keeps pending messages in a per-recipient
// subcollection. Reading pending messages deletes them.
type FirestoreMessageStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreMessageStore is the constructor for the FirestoreMessageStore.
func NewFirestoreMessageStore(client *firestore.Client, collectionName string, logger zerolog.Logger) (*FirestoreMessageStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	return &FirestoreMessageStore{
		client:         client,
		collectionName: collectionName,
		logger:         logger.With().Str("component", "FirestoreMessageStore").Str("collection", collectionName).Logger(),
	}, nil
}

func (s *FirestoreMessageStore) messagesCollection(recipient relay.Identity) *firestore.CollectionRef {
	return s.client.Collection(s.collectionName).Doc(recipientDocID(recipient)).Collection("messages")
}

// recipientDocID maps an identity to a valid document ID. Identities may
// contain "/" or be "." or "..", so the raw value is base64url encoded; the
// prefix keeps the ID clear of the reserved __name__ form.
func recipientDocID(recipient relay.Identity) string {
	return "u-" + base64.RawURLEncoding.EncodeToString([]byte(recipient.String()))
}

// Save creates one document for the message.
func (s *FirestoreMessageStore) Save(ctx context.Context, sender, recipient relay.Identity, content json.RawMessage) error {
	docRef := s.messagesCollection(recipient).Doc(uuid.NewString())
	_, err := docRef.Create(ctx, &firestoreMessage{
		Sender:    sender.String(),
		Recipient: recipient.String(),
		Content:   string(content),
		QueuedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to store offline message: %w", err)
	}
	s.logger.Debug().Str("user", recipient.String()).Str("doc_id", docRef.ID).Msg("Stored offline message.")
	return nil
}

// PendingMessages returns the recipient's messages by queue time and then
// deletes them. Documents that cannot be decoded are skipped and kept.
func (s *FirestoreMessageStore) PendingMessages(ctx context.Context, recipient relay.Identity) ([]relay.Message, error) {
	log := s.logger.With().Str("user", recipient.String()).Logger()

	query := s.messagesCollection(recipient).OrderBy("queued_at", firestore.Asc).Limit(maxPendingBatch)
	docSnaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve pending messages: %w", err)
	}
	if len(docSnaps) == 0 {
		return []relay.Message{}, nil
	}

	messages := make([]relay.Message, 0, len(docSnaps))
	delivered := make([]*firestore.DocumentRef, 0, len(docSnaps))
	for _, doc := range docSnaps {
		var stored firestoreMessage
		if err := doc.DataTo(&stored); err != nil {
			log.Error().Err(err).Str("doc_id", doc.Ref.ID).Msg("Failed to unmarshal stored message, skipping.")
			continue
		}
		messages = append(messages, relay.Message{
			ID:        doc.Ref.ID,
			Sender:    relay.Identity(stored.Sender),
			Recipient: relay.Identity(stored.Recipient),
			Content:   unwrapContent(mustJSONString(stored.Content)),
			CreatedAt: stored.QueuedAt,
		})
		delivered = append(delivered, doc.Ref)
	}

	s.deleteDocuments(ctx, log, delivered)
	return messages, nil
}

// deleteDocuments removes delivered documents. A failed delete only means
// the message may be replayed again.
func (s *FirestoreMessageStore) deleteDocuments(ctx context.Context, log zerolog.Logger, refs []*firestore.DocumentRef) {
	if len(refs) == 0 {
		return
	}
	bulkWriter := s.client.BulkWriter(ctx)
	for _, ref := range refs {
		if _, err := bulkWriter.Delete(ref); err != nil {
			log.Error().Err(err).Str("doc_id", ref.ID).Msg("Failed to enqueue delivered message for deletion.")
		}
	}
	bulkWriter.End()
	log.Debug().Int("count", len(refs)).Msg("Deleted delivered messages.")
}

// mustJSONString encodes text as a JSON string so unwrapContent can decide
// whether it holds JSON.
func mustJSONString(text string) json.RawMessage {
	b, _ := json.Marshal(text)
	return b
}

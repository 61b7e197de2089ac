package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// BadgerMessageStore is an embedded store for single-node deployments.
// Keys are `pending:{hex(recipient)}:{unixnano}:{id}` so a prefix scan
// returns a recipient's messages oldest first. The recipient is hex encoded
// because identities may contain the separator.
type BadgerMessageStore struct {
	db     *badger.DB
	now    func() time.Time
	logger zerolog.Logger
}

// NewBadgerMessageStore wraps an open badger database.
func NewBadgerMessageStore(db *badger.DB, logger zerolog.Logger) (*BadgerMessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerMessageStore{
		db:     db,
		now:    time.Now,
		logger: logger.With().Str("component", "BadgerMessageStore").Logger(),
	}, nil
}

// OpenBadger opens the database at dir. An empty dir opens an in-memory database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	return db, nil
}

func badgerPrefix(recipient relay.Identity) []byte {
	return []byte("pending:" + hex.EncodeToString([]byte(recipient.String())) + ":")
}

// Save writes one message under a time-ordered key.
func (s *BadgerMessageStore) Save(_ context.Context, sender, recipient relay.Identity, content json.RawMessage) error {
	msg := storedMessage{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal badger message: %w", err)
	}

	key := fmt.Sprintf("%s%020d:%s", badgerPrefix(recipient), msg.CreatedAt.UnixNano(), msg.ID)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("failed to store offline message: %w", err)
	}
	return nil
}

// PendingMessages reads and deletes the recipient's messages in one
// transaction.
func (s *BadgerMessageStore) PendingMessages(ctx context.Context, recipient relay.Identity) ([]relay.Message, error) {
	prefix := badgerPrefix(recipient)
	messages := make([]relay.Message, 0)

	err := s.db.Update(func(txn *badger.Txn) error {
		keys, err := s.collect(ctx, txn, prefix, &messages)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending messages: %w", err)
	}
	return messages, nil
}

// collect appends the messages under prefix and returns their keys. The
// iterator is closed before the caller deletes anything.
func (s *BadgerMessageStore) collect(ctx context.Context, txn *badger.Txn, prefix []byte, messages *[]relay.Message) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < maxPendingBatch; it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := it.Item()
		keys = append(keys, item.KeyCopy(nil))

		err := item.Value(func(v []byte) error {
			var msg storedMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				s.logger.Warn().Err(err).Str("key", string(item.Key())).Msg("Dropping poison message.")
				return nil
			}
			*messages = append(*messages, msg.toMessage())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

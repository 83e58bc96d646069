// Package badgerstore keeps records in an embedded BadgerDB.
package badgerstore

import (
	"context"
	"fmt"

	"github.com/danmuck/meshlink/internal/domain"
	"github.com/danmuck/meshlink/internal/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

const (
	nodePrefix    = "node/"
	messagePrefix = "msg/"
)

// encMode keeps nanosecond timestamps.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Store implements storage.Store on BadgerDB.
type Store struct {
	db *badger.DB
}

// Open opens or creates the database under dir. An empty dir keeps the
// database in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %q: %w", dir, err)
	}
	log.Debug().Str("dir", dir).Msg("badgerstore.Open")
	return &Store{db: db}, nil
}

func nodeKey(num uint32) []byte {
	return []byte(fmt.Sprintf("%s%010d", nodePrefix, num))
}

func messageKey(id string) []byte {
	return []byte(messagePrefix + id)
}

func (s *Store) put(key []byte, v any) error {
	val, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("badgerstore: encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (s *Store) SaveNode(_ context.Context, n domain.NodeRecord) error {
	return s.put(nodeKey(n.Num), n)
}

func (s *Store) SaveMessage(_ context.Context, m domain.MessageRecord) error {
	if m.ID == "" {
		return storage.ErrInvalidRecord
	}
	return s.put(messageKey(m.ID), m)
}

func (s *Store) DeleteNode(_ context.Context, num uint32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(num))
	})
}

func (s *Store) LoadNodes(ctx context.Context) ([]domain.NodeRecord, error) {
	var out []domain.NodeRecord
	err := scan(ctx, s.db, nodePrefix, func(val []byte) error {
		var n domain.NodeRecord
		if err := cbor.Unmarshal(val, &n); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.SortNodes(out), nil
}

func (s *Store) LoadMessages(ctx context.Context, limit int) ([]domain.MessageRecord, error) {
	var out []domain.MessageRecord
	err := scan(ctx, s.db, messagePrefix, func(val []byte) error {
		var m domain.MessageRecord
		if err := cbor.Unmarshal(val, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.SortMessages(out, limit), nil
}

func scan(ctx context.Context, db *badger.DB, prefix string, fn func(val []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := item.Value(fn); err != nil {
				return fmt.Errorf("badgerstore: decode %s: %w", item.Key(), err)
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

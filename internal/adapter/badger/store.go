package badger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/Strob0t/botleague/internal/port/recordstore"
)

var _ recordstore.Store = (*Store)(nil)

func (s *Store) Get(_ context.Context, key string) (recordstore.Entry, bool, error) {
	var entry recordstore.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		entry.Revision = item.Version()
		entry.Value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return recordstore.Entry{}, false, nil
	}
	if err != nil {
		return recordstore.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *Store) Create(ctx context.Context, key string, value []byte) (bool, error) {
	return s.CompareAndSwap(ctx, key, 0, value)
}

// CompareAndSwap reads and writes key in one transaction. Badger's conflict
// detection aborts the commit if another transaction wrote key after the read.
func (s *Store) CompareAndSwap(_ context.Context, key string, expectedRevision uint64, value []byte) (bool, error) {
	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		var current uint64
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			current = item.Version()
		}
		if current != expectedRevision {
			return nil
		}
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

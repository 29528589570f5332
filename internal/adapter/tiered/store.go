// Package tiered puts an in-process cache in front of a record store.
//
// Only entries the Frozen predicate accepts are cached. Those must never
// change again, so a cached read can never hide a newer revision written by
// another instance.
package tiered

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/Strob0t/botleague/internal/port/cache"
	"github.com/Strob0t/botleague/internal/port/recordstore"
)

var _ recordstore.Store = (*Store)(nil)

// Frozen reports whether the value stored at key is final.
type Frozen func(key string, value []byte) bool

// Store is a read-through record store.
// Get checks L1 first, then the backing store (backfilling L1 on a frozen hit).
// Writes go to the backing store and drop the L1 entry.
type Store struct {
	l1     cache.Cache
	next   recordstore.Store
	frozen Frozen
	ttl    time.Duration
}

// New creates a tiered store. ttl bounds how long backfilled entries live in L1.
func New(l1 cache.Cache, next recordstore.Store, frozen Frozen, ttl time.Duration) *Store {
	return &Store{l1: l1, next: next, frozen: frozen, ttl: ttl}
}

// Get checks L1, then the backing store.
func (s *Store) Get(ctx context.Context, key string) (recordstore.Entry, bool, error) {
	if raw, found, err := s.l1.Get(ctx, key); err == nil && found {
		if entry, ok := decode(raw); ok {
			return entry, true, nil
		}
	}

	entry, found, err := s.next.Get(ctx, key)
	if err != nil || !found {
		return entry, found, err
	}
	if s.frozen(key, entry.Value) {
		_ = s.l1.Set(ctx, key, encode(entry), s.ttl)
	}
	return entry, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_ = s.l1.Delete(ctx, key)
	return s.next.Set(ctx, key, value)
}

func (s *Store) Create(ctx context.Context, key string, value []byte) (bool, error) {
	return s.next.Create(ctx, key, value)
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expectedRevision uint64, value []byte) (bool, error) {
	_ = s.l1.Delete(ctx, key)
	return s.next.CompareAndSwap(ctx, key, expectedRevision, value)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_ = s.l1.Delete(ctx, key)
	return s.next.Delete(ctx, key)
}

// encode prefixes the value with its big-endian revision.
func encode(e recordstore.Entry) []byte {
	buf := make([]byte, 8+len(e.Value))
	binary.BigEndian.PutUint64(buf, e.Revision)
	copy(buf[8:], e.Value)
	return buf
}

func decode(raw []byte) (recordstore.Entry, bool) {
	if len(raw) < 8 {
		return recordstore.Entry{}, false
	}
	return recordstore.Entry{
		Revision: binary.BigEndian.Uint64(raw),
		Value:    raw[8:],
	}, true
}

// Package natskv implements the record store port on a NATS JetStream
// KeyValue bucket. Bucket revisions back CompareAndSwap.
package natskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/botleague/internal/port/recordstore"
)

var _ recordstore.Store = (*Store)(nil)

// Store wraps a NATS JetStream KeyValue bucket.
type Store struct {
	kv jetstream.KeyValue
}

// New creates a store on an existing bucket.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Open creates or updates the named bucket and returns a store on it.
// History is kept at one revision per key; the store never reads older ones.
func Open(ctx context.Context, js jetstream.JetStream, bucket string, replicas int) (*Store, error) {
	if replicas < 1 {
		replicas = 1
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "botleague liaison records",
		History:     1,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return New(kv), nil
}

// Get retrieves the latest entry for key.
func (s *Store) Get(ctx context.Context, key string) (recordstore.Entry, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return recordstore.Entry{}, false, nil
		}
		return recordstore.Entry{}, false, err
	}
	return recordstore.Entry{Value: entry.Value(), Revision: entry.Revision()}, true, nil
}

// Set stores value unconditionally.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.kv.Put(ctx, key, value)
	return err
}

// Create stores value only if key has no live entry. A key whose last
// operation was a delete counts as absent.
func (s *Store) Create(ctx context.Context, key string, value []byte) (bool, error) {
	_, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if wrongRevision(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CompareAndSwap stores value only if key is still at expectedRevision.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expectedRevision uint64, value []byte) (bool, error) {
	if expectedRevision == 0 {
		return s.Create(ctx, key, value)
	}
	_, err := s.kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		if wrongRevision(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// wrongRevision reports whether err means another writer updated the key
// first. Create surfaces it as ErrKeyExists, Update as an API error.
func wrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

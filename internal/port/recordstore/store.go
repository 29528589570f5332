// Package recordstore defines the record store port: a key-value store with
// get, set, create-if-absent and revision-checked compare-and-swap.
//
// All coordination between concurrently arriving callbacks goes through this
// interface. Nothing in-process is shared between them.
package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Entry is a stored value and the revision it was written at.
// Revisions are opaque, never zero for a present key, and change on every write.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Store is the port interface for the record store.
type Store interface {
	// Get returns the current entry for key. found is false when key is absent.
	Get(ctx context.Context, key string) (entry Entry, found bool, err error)

	// Set writes value unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// Create writes value only if key is absent. created is false when the
	// key already exists.
	Create(ctx context.Context, key string, value []byte) (created bool, err error)

	// CompareAndSwap writes value only if key is still at expectedRevision.
	// An expectedRevision of 0 means "key must be absent" and behaves like Create.
	// swapped is false when another writer got there first.
	CompareAndSwap(ctx context.Context, key string, expectedRevision uint64, value []byte) (swapped bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// GetJSON loads and decodes the value at key. It returns a nil value and
// revision 0 when the key is absent.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, uint64, error) {
	entry, found, err := s.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	if !found {
		return nil, 0, nil
	}
	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, entry.Revision, nil
}

// SetJSON encodes v and writes it unconditionally.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// CreateJSON encodes v and writes it only if key is absent.
func CreateJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	created, err := s.Create(ctx, key, data)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	return created, nil
}

// SwapJSON encodes v and writes it only if key is still at revision.
func SwapJSON(ctx context.Context, s Store, key string, revision uint64, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	swapped, err := s.CompareAndSwap(ctx, key, revision, data)
	if err != nil {
		return false, fmt.Errorf("swap %s: %w", key, err)
	}
	return swapped, nil
}

// Package reportstore defines the port for publishing results documents.
package reportstore

import "context"

// Store uploads a document and returns a stable public link to it.
// An empty link with a nil error means publishing is disabled.
type Store interface {
	Upload(ctx context.Context, name string, doc []byte) (link string, err error)
	// Link returns the link Upload would return for name, without
	// uploading anything.
	Link(name string) string
}

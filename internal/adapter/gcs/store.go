// Package gcs publishes results documents to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/Strob0t/botleague/internal/port/reportstore"
)

var _ reportstore.Store = (*Store)(nil)

// publicBase is where publicly readable objects are served from.
const publicBase = "https://storage.googleapis.com"

// Store uploads documents as public-read JSON objects.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// Config names the bucket and how to authenticate against it.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string // empty = application default credentials
}

// New creates a report store. The caller owns Close.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing storage client.
func NewWithClient(client *storage.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Upload writes doc to <prefix>/<name> and returns its public link.
func (s *Store) Upload(ctx context.Context, name string, doc []byte) (string, error) {
	object := path.Join(s.prefix, name)

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "public, max-age=300"
	w.PredefinedACL = "publicRead"

	if _, err := w.Write(doc); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gs://%s/%s: %w", s.bucket, object, err)
	}
	return Link(s.bucket, object), nil
}

// Link returns the public URL name is uploaded to.
func (s *Store) Link(name string) string {
	return Link(s.bucket, path.Join(s.prefix, name))
}

// Close releases the storage client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Link returns the public URL of object in bucket.
func Link(bucket, object string) string {
	segments := strings.Split(object, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return publicBase + "/" + bucket + "/" + strings.Join(segments, "/")
}

// Disabled is the report store used when no bucket is configured.
type Disabled struct{}

// Upload publishes nothing and returns an empty link.
func (Disabled) Upload(context.Context, string, []byte) (string, error) { return "", nil }

// Link is always empty.
func (Disabled) Link(string) string { return "" }

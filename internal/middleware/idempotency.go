package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxReplayBody        = 1 << 20
)

// ResponseStore keeps replayable responses keyed by idempotency key.
type ResponseStore interface {
	Get(ctx context.Context, key string) (data []byte, found bool, err error)
	// Reserve marks key as in flight. It reports false when key already
	// has a reservation or a stored response.
	Reserve(ctx context.Context, key string, placeholder []byte) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Release(ctx context.Context, key string) error
}

// storedResponse is a replayable response, or an in-flight marker when
// Pending is set.
type storedResponse struct {
	Pending bool                `json:"pending,omitempty"`
	Status  int                 `json:"status,omitempty"`
	Header  map[string][]string `json:"header,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

var pendingMarker, _ = json.Marshal(storedResponse{Pending: true})

// Idempotency replays the response of a repeated POST carrying the same
// Idempotency-Key, so a retried trigger does not start a second set of
// evaluations. A duplicate arriving while the first is still running gets
// 409. Server errors and oversized bodies are not kept, so those requests
// may be retried.
func Idempotency(store ResponseStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(headerIdempotencyKey)
			if r.Method != http.MethodPost || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := replayKey(r, clientKey)

			reserved, err := store.Reserve(ctx, key, pendingMarker)
			if err != nil {
				slog.Warn("idempotency store unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				replay(w, r, store, key)
				return
			}

			rec := &capture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError || rec.body.Len() > maxReplayBody {
				if err := store.Release(ctx, key); err != nil {
					slog.Warn("release idempotency key", "error", err)
				}
				return
			}
			data, err := json.Marshal(storedResponse{Status: rec.status, Header: w.Header().Clone(), Body: rec.body.Bytes()})
			if err == nil {
				err = store.Put(ctx, key, data)
			}
			if err != nil {
				slog.Warn("store idempotent response", "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, r *http.Request, store ResponseStore, key string) {
	data, found, err := store.Get(r.Context(), key)
	var resp storedResponse
	if err == nil && found {
		err = json.Unmarshal(data, &resp)
	}
	switch {
	case err != nil:
		slog.Warn("read idempotent response", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
	case !found || resp.Pending:
		// Released between Reserve and Get, or still running elsewhere.
		writeJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
	default:
		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set(headerReplayed, "true")
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}

// replayKey scopes a client key to method and path, hashed into the
// character set KV keys allow.
func replayKey(r *http.Request, clientKey string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + "\n" + clientKey))
	return "idem_" + hex.EncodeToString(sum[:])
}

type capture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// KVResponses stores replayable responses in a JetStream KV bucket. The
// bucket's TTL bounds how long a key is remembered.
func KVResponses(kv jetstream.KeyValue) ResponseStore { return kvResponses{kv} }

type kvResponses struct{ kv jetstream.KeyValue }

func (s kvResponses) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (s kvResponses) Reserve(ctx context.Context, key string, placeholder []byte) (bool, error) {
	_, err := s.kv.Create(ctx, key, placeholder)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	return err == nil, err
}

func (s kvResponses) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.kv.Put(ctx, key, data)
	return err
}

func (s kvResponses) Release(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

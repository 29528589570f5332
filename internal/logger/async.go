package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Closer flushes buffered log records.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncCore is shared by an AsyncHandler and every handler derived from it.
type asyncCore struct {
	queue   chan asyncRecord
	workers sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
	closed  atomic.Bool
}

type asyncRecord struct {
	handler slog.Handler
	rec     slog.Record
}

// AsyncHandler moves log output off the request path. Records below
// slog.LevelWarn are dropped when the queue is full. Warnings and errors
// wait for room, so a failed ledger write or evaluator dispatch is never
// lost to load.
type AsyncHandler struct {
	inner slog.Handler
	core  *asyncCore
}

// NewAsyncHandler starts workers goroutines writing to inner from a queue
// of size records.
func NewAsyncHandler(inner slog.Handler, size, workers int) *AsyncHandler {
	core := &asyncCore{queue: make(chan asyncRecord, size)}
	for range max(workers, 1) {
		core.workers.Add(1)
		go func() {
			defer core.workers.Done()
			for r := range core.queue {
				_ = r.handler.Handle(context.Background(), r.rec)
			}
		}()
	}
	return &AsyncHandler{inner: inner, core: core}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.core.closed.Load() {
		return h.inner.Handle(ctx, rec)
	}
	r := asyncRecord{handler: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelWarn {
		h.core.queue <- r
		return nil
	}
	select {
	case h.core.queue <- r:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), core: h.core}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), core: h.core}
}

// Dropped returns how many records were shed under load.
func (h *AsyncHandler) Dropped() int64 { return h.core.dropped.Load() }

// Close drains the queue and stops the workers. Records logged afterwards
// are written synchronously. Close is safe to call more than once.
func (h *AsyncHandler) Close() {
	h.core.once.Do(func() {
		h.core.closed.Store(true)
		close(h.core.queue)
		h.core.workers.Wait()
		if n := h.core.dropped.Load(); n > 0 {
			fmt.Fprintf(os.Stderr, "logger: %d records dropped under load\n", n)
		}
	})
}

package logger

import (
	"context"
	"log/slog"
)

// scope is what a context adds to the records logged under it.
type scope struct {
	requestID string
	subject   string
}

type scopeKey struct{}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithRequestID tags ctx with the id of the request that started the work.
// Queue messages carry it as a header, so it follows a trigger through the
// callbacks it causes.
func WithRequestID(ctx context.Context, id string) context.Context {
	s := scopeOf(ctx)
	s.requestID = id
	return context.WithValue(ctx, scopeKey{}, s)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	return scopeOf(ctx).requestID
}

// WithSubject tags ctx with the queue subject of the message being handled.
func WithSubject(ctx context.Context, subject string) context.Context {
	s := scopeOf(ctx)
	s.subject = subject
	return context.WithValue(ctx, scopeKey{}, s)
}

func (s scope) attrs() []slog.Attr {
	var out []slog.Attr
	if s.requestID != "" {
		out = append(out, slog.String("request_id", s.requestID))
	}
	if s.subject != "" {
		out = append(out, slog.String("subject", s.subject))
	}
	return out
}

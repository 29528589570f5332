package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "botleague"

// Metrics holds all liaison metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	EvaluationsTriggered metric.Int64Counter
	EvaluationsConfirmed metric.Int64Counter
	EvaluationsCompleted metric.Int64Counter
	CohortsFinished      metric.Int64Counter
	LedgerRetries        metric.Int64Counter
	ReduceClaims         metric.Int64Counter
	DispatchDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EvaluationsTriggered, err = meter.Int64Counter("botleague.evaluations.triggered",
		metric.WithDescription("Number of evaluations dispatched to evaluators"))
	if err != nil {
		return nil, err
	}

	m.EvaluationsConfirmed, err = meter.Int64Counter("botleague.evaluations.confirmed",
		metric.WithDescription("Number of evaluations confirmed by evaluators"))
	if err != nil {
		return nil, err
	}

	m.EvaluationsCompleted, err = meter.Int64Counter("botleague.evaluations.completed",
		metric.WithDescription("Number of evaluations with results recorded"))
	if err != nil {
		return nil, err
	}

	m.CohortsFinished, err = meter.Int64Counter("botleague.problem_ci.finished",
		metric.WithDescription("Number of problem regression checks reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	m.LedgerRetries, err = meter.Int64Counter("botleague.ledger.cas_retries",
		metric.WithDescription("Ledger appends retried after losing a compare-and-swap"))
	if err != nil {
		return nil, err
	}

	m.ReduceClaims, err = meter.Int64Counter("botleague.reduce.claims",
		metric.WithDescription("Reduce claim attempts by outcome"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("botleague.dispatch.duration_seconds",
		metric.WithDescription("Evaluator dispatch duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Triggered(ctx context.Context, problemID string, ok bool) {
	if m == nil {
		return
	}
	m.EvaluationsTriggered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("problem", problemID), attribute.Bool("ok", ok)))
}

func (m *Metrics) Confirmed(ctx context.Context) {
	if m == nil {
		return
	}
	m.EvaluationsConfirmed.Add(ctx, 1)
}

func (m *Metrics) Completed(ctx context.Context, problemID string, failed bool) {
	if m == nil {
		return
	}
	m.EvaluationsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("problem", problemID), attribute.Bool("errors", failed)))
}

func (m *Metrics) CohortFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.CohortsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) LedgerRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.LedgerRetries.Add(ctx, 1)
}

// ReduceClaim records a claim attempt; outcome is "won", "lost" or "takeover".
func (m *Metrics) ReduceClaim(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ReduceClaims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveCache publishes the hit and miss totals reported by stats under
// the given cache name.
func (m *Metrics) ObserveCache(name string, stats func() (hits, misses uint64)) error {
	if m == nil {
		return nil
	}
	meter := otel.Meter(meterName)
	lookups, err := meter.Int64ObservableCounter("botleague.cache.lookups",
		metric.WithDescription("Record cache lookups by result"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		hits, misses := stats()
		o.ObserveInt64(lookups, int64(hits), metric.WithAttributes(
			attribute.String("cache", name), attribute.String("result", "hit")))
		o.ObserveInt64(lookups, int64(misses), metric.WithAttributes(
			attribute.String("cache", name), attribute.String("result", "miss")))
		return nil
	}, lookups)
	return err
}

func (m *Metrics) Dispatched(ctx context.Context, host string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("host", host)))
}

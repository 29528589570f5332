package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "botleague"

// StartDispatchSpan starts a span for handing an evaluation to an evaluator.
func StartDispatchSpan(ctx context.Context, evalID, problemID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "evaluation.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("eval.id", evalID),
			attribute.String("problem.id", problemID),
		),
	)
}

// StartReduceSpan starts a span for a fan-in reduction of a problem CI cohort.
func StartReduceSpan(ctx context.Context, cohortID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "problem_ci.reduce",
		trace.WithAttributes(attribute.String("problem_ci.id", cohortID)),
	)
}

// StartLedgerSpan starts a span for a ledger append.
func StartLedgerSpan(ctx context.Context, ledgerID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ledger.append",
		trace.WithAttributes(attribute.String("ledger.id", ledgerID)),
	)
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	blotel "github.com/Strob0t/botleague/internal/adapter/otel"
	"github.com/Strob0t/botleague/internal/domain/ledger"
	"github.com/Strob0t/botleague/internal/port/recordstore"
	"github.com/Strob0t/botleague/internal/resilience"
)

// LedgerService appends scores to per-bot ledgers. Every write is checked
// against the revision it was computed from.
type LedgerService struct {
	store   recordstore.Store
	policy  resilience.RetryPolicy
	metrics *blotel.Metrics
	now     func() time.Time
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(store recordstore.Store, policy resilience.RetryPolicy, metrics *blotel.Metrics) *LedgerService {
	return &LedgerService{store: store, policy: policy, metrics: metrics, now: time.Now}
}

// AppendScore records score on the ledger identified by ref. Appending an
// eval key that is already recorded returns the ledger unchanged. Lost races
// are retried with backoff until the policy gives up, which is reported as
// domain.ErrRetryExhausted.
func (s *LedgerService) AppendScore(ctx context.Context, ref ledger.Ref, score ledger.Score) (*ledger.Ledger, error) {
	ctx, span := blotel.StartLedgerSpan(ctx, ref.ID())
	defer span.End()

	key := ref.Key()
	l, err := resilience.RetryContended(ctx, s.policy, func(ctx context.Context) (*ledger.Ledger, error) {
		current, rev, err := recordstore.GetJSON[ledger.Ledger](ctx, s.store, key)
		if err != nil {
			return nil, err
		}
		if current == nil {
			current = ledger.Empty(ref)
		}
		if !current.Append(score, s.now()) {
			return current, nil
		}
		swapped, err := recordstore.SwapJSON(ctx, s.store, key, rev, current)
		if err != nil {
			return nil, err
		}
		if !swapped {
			return nil, resilience.ErrContended
		}
		return current, nil
	}, func(attempt uint, wait time.Duration) {
		s.metrics.LedgerRetry(ctx)
		slog.Warn("ledger write lost a race, retrying",
			"ledger_id", ref.ID(), "attempt", attempt, "wait", wait)
	})
	if err != nil {
		return nil, fmt.Errorf("append score to ledger %s: %w", ref.ID(), err)
	}
	slog.Debug("ledger updated", "ledger_id", l.ID, "scores", len(l.Scores), "mean", l.Mean)
	return l, nil
}

// Get returns the ledger for ref, or an empty ledger when none exists yet.
func (s *LedgerService) Get(ctx context.Context, ref ledger.Ref) (*ledger.Ledger, error) {
	l, _, err := recordstore.GetJSON[ledger.Ledger](ctx, s.store, ref.Key())
	if err != nil {
		return nil, fmt.Errorf("get ledger %s: %w", ref.ID(), err)
	}
	if l == nil {
		return ledger.Empty(ref), nil
	}
	return l, nil
}

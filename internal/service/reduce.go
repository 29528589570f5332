package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	blotel "github.com/Strob0t/botleague/internal/adapter/otel"
	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/cohort"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/domain/gate"
	"github.com/Strob0t/botleague/internal/domain/ledger"
	"github.com/Strob0t/botleague/internal/port/recordstore"
	"github.com/Strob0t/botleague/internal/resilience"
)

// Outcome is the result of one reduce attempt.
//
// Ready is false while members are still running. Claimed is true only for
// the single caller that won the cohort's reduce claim; that caller gets the
// Decision and the member records and must Commit or Release.
type Outcome struct {
	Ready    bool
	Claimed  bool
	Cohort   *cohort.Cohort
	Decision *cohort.Decision
	Members  []*evaluation.Record
}

// ReduceCoordinator runs the fan-in barrier over a cohort. It guarantees the
// pass/fail decision is computed and written at most once per cohort, using
// nothing but the record store.
type ReduceCoordinator struct {
	store    recordstore.Store
	ledgers  *LedgerService
	claimTTL time.Duration
	retry    resilience.RetryPolicy
	metrics  *blotel.Metrics
	now      func() time.Time
}

// NewReduceCoordinator creates a ReduceCoordinator. A claim older than
// claimTTL on a still pending cohort may be taken over; zero disables takeover.
func NewReduceCoordinator(store recordstore.Store, ledgers *LedgerService, claimTTL time.Duration, retry resilience.RetryPolicy, metrics *blotel.Metrics) *ReduceCoordinator {
	return &ReduceCoordinator{
		store:    store,
		ledgers:  ledgers,
		claimTTL: claimTTL,
		retry:    retry,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Reduce checks whether every member of cohortID is complete and, if so,
// tries to claim the reduction. Losers read back the cohort as it is.
func (r *ReduceCoordinator) Reduce(ctx context.Context, cohortID string) (*Outcome, error) {
	ctx, span := blotel.StartReduceSpan(ctx, cohortID)
	defer span.End()

	c, err := r.loadCohort(ctx, cohortID)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return &Outcome{Ready: true, Cohort: c}, nil
	}

	members, ready, err := r.members(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ready {
		slog.Debug("cohort not ready", "cohort_id", cohortID)
		return &Outcome{Cohort: c}, nil
	}

	won, err := r.claim(ctx, cohortID)
	if err != nil {
		return nil, err
	}
	if !won {
		c, err = r.loadCohort(ctx, cohortID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Ready: true, Cohort: c}, nil
	}

	decision, err := r.decide(ctx, c, members)
	if err != nil {
		r.Release(ctx, cohortID)
		return nil, err
	}
	slog.Info("cohort reduced", "cohort_id", cohortID, "passed", decision.Passed, "reason", decision.Reason)
	return &Outcome{Ready: true, Claimed: true, Cohort: c, Decision: decision, Members: members}, nil
}

// members loads the cohort's records in declared order. ready is false as
// soon as one of them is not complete.
func (r *ReduceCoordinator) members(ctx context.Context, c *cohort.Cohort) ([]*evaluation.Record, bool, error) {
	out := make([]*evaluation.Record, 0, len(c.EvalKeys))
	for _, key := range c.EvalKeys {
		rec, _, err := recordstore.GetJSON[evaluation.Record](ctx, r.store, evaluation.Key(key))
		if err != nil {
			return nil, false, err
		}
		if rec == nil {
			return nil, false, fmt.Errorf("%w: cohort %s member missing", domain.ErrNotFound, c.ID)
		}
		if !rec.IsComplete() {
			return nil, false, nil
		}
		out = append(out, rec)
	}
	return out, true, nil
}

// claim creates the reduce claim. An existing claim is taken over only when
// it is stale, by swapping the claim at the revision that was read.
func (r *ReduceCoordinator) claim(ctx context.Context, cohortID string) (bool, error) {
	key := cohort.ClaimKey(cohortID)
	mine := cohort.Claim{CohortID: cohortID, Owner: uuid.NewString(), ClaimedAt: r.now().UTC()}

	created, err := recordstore.CreateJSON(ctx, r.store, key, mine)
	if err != nil {
		return false, err
	}
	if created {
		r.metrics.ReduceClaim(ctx, "won")
		return true, nil
	}

	existing, rev, err := recordstore.GetJSON[cohort.Claim](ctx, r.store, key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		// Released between our create and read; one more try.
		created, err = recordstore.CreateJSON(ctx, r.store, key, mine)
		if err != nil {
			return false, err
		}
		r.metrics.ReduceClaim(ctx, outcomeLabel(created, "won"))
		return created, nil
	}
	if !existing.Stale(r.now(), r.claimTTL) {
		r.metrics.ReduceClaim(ctx, "lost")
		return false, nil
	}

	swapped, err := recordstore.SwapJSON(ctx, r.store, key, rev, mine)
	if err != nil {
		return false, err
	}
	if swapped {
		slog.Warn("took over stale reduce claim", "cohort_id", cohortID,
			"previous_owner", existing.Owner, "claimed_at", existing.ClaimedAt)
	}
	r.metrics.ReduceClaim(ctx, outcomeLabel(swapped, "takeover"))
	return swapped, nil
}

func outcomeLabel(won bool, label string) string {
	if won {
		return label
	}
	return "lost"
}

// decide reduces members in declared order. The first member that reported
// errors or scored outside its confidence interval fails the cohort.
func (r *ReduceCoordinator) decide(ctx context.Context, c *cohort.Cohort, members []*evaluation.Record) (*cohort.Decision, error) {
	for _, rec := range members {
		if rec.Results == nil {
			return &cohort.Decision{Reason: fmt.Sprintf("bot %s/%s returned no results", rec.Submitter, rec.BotName)}, nil
		}
		if rec.Results.HasErrors() {
			return &cohort.Decision{Reason: compactJSON(rec.Results.Errors)}, nil
		}
		if rec.Error != "" {
			return &cohort.Decision{Reason: rec.Error}, nil
		}

		ref := ledger.Ref{Submitter: rec.Submitter, BotName: rec.BotName, ProblemID: rec.ProblemID}
		past, err := r.ledgers.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		deviation := c.Problem.AcceptableScoreDeviation
		if rec.Problem.AcceptableScoreDeviation != 0 {
			deviation = rec.Problem.AcceptableScoreDeviation
		}
		ok, iv := gate.WithinInterval(ledger.Score{Score: rec.Results.Score, EvalKey: rec.EvalKey}, past.Scores, deviation)
		if !ok {
			return &cohort.Decision{Reason: fmt.Sprintf(
				"Score for bot %s/%s %g not within confidence interval %g to %g, mean: %g problem CI failed",
				rec.Submitter, rec.BotName, rec.Results.Score, iv.Low, iv.High, iv.Mean)}, nil
		}
	}
	return &cohort.Decision{Passed: true}, nil
}

// Commit applies mutate to the current cohort and writes it back, checked
// against the revision it read. A cohort that is already terminal is not
// touched and yields domain.ErrConflict.
func (r *ReduceCoordinator) Commit(ctx context.Context, cohortID string, mutate func(*cohort.Cohort) error) (*cohort.Cohort, error) {
	return resilience.RetryContended(ctx, r.retry, func(ctx context.Context) (*cohort.Cohort, error) {
		c, rev, err := recordstore.GetJSON[cohort.Cohort](ctx, r.store, cohortID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: cohort %s", domain.ErrNotFound, cohortID)
		}
		if err := mutate(c); err != nil {
			return nil, err
		}
		swapped, err := recordstore.SwapJSON(ctx, r.store, cohortID, rev, c)
		if err != nil {
			return nil, err
		}
		if !swapped {
			return nil, resilience.ErrContended
		}
		return c, nil
	}, nil)
}

// Release deletes the reduce claim so a later attempt can reduce again.
func (r *ReduceCoordinator) Release(ctx context.Context, cohortID string) {
	if err := r.store.Delete(ctx, cohort.ClaimKey(cohortID)); err != nil {
		slog.Error("release reduce claim", "cohort_id", cohortID, "error", err)
	}
}

func (r *ReduceCoordinator) loadCohort(ctx context.Context, cohortID string) (*cohort.Cohort, error) {
	c, _, err := recordstore.GetJSON[cohort.Cohort](ctx, r.store, cohortID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: problem CI %s not found", domain.ErrNotFound, cohortID)
	}
	return c, nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	blotel "github.com/Strob0t/botleague/internal/adapter/otel"
	"github.com/Strob0t/botleague/internal/config"
	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/cohort"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/domain/league"
	"github.com/Strob0t/botleague/internal/domain/ledger"
	"github.com/Strob0t/botleague/internal/port/botregistry"
	"github.com/Strob0t/botleague/internal/port/gitprovider"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
	"github.com/Strob0t/botleague/internal/port/recordstore"
)

// CheckOutcome says what a problem change request led to.
type CheckOutcome string

const (
	OutcomeNothingToVerify CheckOutcome = "nothing_to_verify"
	OutcomeTriggered       CheckOutcome = "triggered"
	OutcomeExisting        CheckOutcome = "existing"
)

// ProblemChangeRequest is sent by the change classifier for a change request
// that touches problem definitions.
type ProblemChangeRequest struct {
	ChangedProblemDefinitions []string               `json:"changed_problem_definitions"`
	PullRequest               evaluation.PullRequest `json:"pull_request" validate:"required"`
}

// CheckResult is the answer to a problem change request.
type CheckResult struct {
	Outcome  CheckOutcome  `json:"outcome"`
	Message  string        `json:"message"`
	CohortID string        `json:"problem_ci_id,omitempty"`
	Status   cohort.Status `json:"status,omitempty"`
	EvalIDs  []string      `json:"eval_ids,omitempty"`
}

// ProblemCIDeps holds the collaborators of a ProblemCIService.
type ProblemCIDeps struct {
	Store       recordstore.Store
	Evaluations *EvaluationService
	Reducer     *ReduceCoordinator
	Ledgers     *LedgerService
	Registry    botregistry.Registry
	Queue       messagequeue.Queue
	Git         gitprovider.Provider
	GitHub      config.GitHub
	MaxParallel int
	PublicHost  string
	Metrics     *blotel.Metrics
}

// ProblemCIService runs regression checks of problem definition changes:
// re-evaluate every bot that declares the problem and merge the change only
// if all of them still score within their confidence intervals.
type ProblemCIService struct {
	store       recordstore.Store
	evals       *EvaluationService
	reducer     *ReduceCoordinator
	ledgers     *LedgerService
	registry    botregistry.Registry
	queue       messagequeue.Queue
	repo        leagueRepo
	maxParallel int
	publicHost  string
	metrics     *blotel.Metrics
	now         func() time.Time
}

var _ CohortHandler = (*ProblemCIService)(nil)

// NewProblemCIService creates a ProblemCIService.
func NewProblemCIService(d ProblemCIDeps) *ProblemCIService {
	return &ProblemCIService{
		store:       d.Store,
		evals:       d.Evaluations,
		reducer:     d.Reducer,
		ledgers:     d.Ledgers,
		registry:    d.Registry,
		queue:       d.Queue,
		repo:        leagueRepo{git: d.Git, cfg: d.GitHub},
		maxParallel: d.MaxParallel,
		publicHost:  strings.TrimRight(d.PublicHost, "/"),
		metrics:     d.Metrics,
		now:         time.Now,
	}
}

// CheckProblemChange starts a regression check for a changed problem
// definition. The cohort is stored first, then its member records, all
// before the first evaluator is called.
func (s *ProblemCIService) CheckProblemChange(ctx context.Context, req ProblemChangeRequest) (*CheckResult, error) {
	pr := req.PullRequest
	switch len(req.ChangedProblemDefinitions) {
	case 0:
		publish(ctx, s.queue, messagequeue.SubjectLeaderboardRegenerate, messagequeue.LeaderboardRegeneratePayload{
			Reason: fmt.Sprintf("problem change in pull request %d", pr.Number),
			At:     s.now().UTC(),
		})
		return &CheckResult{
			Outcome: OutcomeNothingToVerify,
			Message: "Generating leaderboard for problem change",
		}, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: Can only change one problem at a time", domain.ErrValidation)
	}
	if pr.Number == 0 || pr.HeadCommit == "" {
		return nil, fmt.Errorf("%w: pull request number and head commit are required", domain.ErrValidation)
	}

	problemID, err := league.ProblemIDFromPath(req.ChangedProblemDefinitions[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	cohortID := cohort.ID(pr.Number, pr.HeadCommit)
	if existing, _, err := recordstore.GetJSON[cohort.Cohort](ctx, s.store, cohortID); err != nil {
		return nil, err
	} else if existing != nil {
		return existingResult(existing), nil
	}

	headRepo := pr.HeadFullName
	if headRepo == "" {
		headRepo = s.repo.repoFor(pr)
	}
	problem, err := s.evals.fetchProblem(ctx, headRepo, problemID, pr.HeadCommit)
	if err != nil {
		return nil, err
	}
	bots, err := s.registry.BotsForProblem(ctx, problemID)
	if err != nil {
		return nil, fmt.Errorf("list bots for %s: %w", problemID, err)
	}
	if len(bots) == 0 {
		return &CheckResult{
			Outcome: OutcomeNothingToVerify,
			Message: "No bots with this problem, nothing to eval",
		}, nil
	}

	records := make([]*evaluation.Record, 0, len(bots))
	keys := make([]string, 0, len(bots))
	for _, bot := range bots {
		rec, err := s.evals.newRecord(TriggerRequest{Bot: bot, Problem: *problem, PullRequest: pr, CohortID: cohortID})
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		keys = append(keys, rec.EvalKey)
	}

	// The cohort is claimed before any member is stored, so a request that
	// loses the race for this revision leaves no records behind.
	c := cohort.New(*problem, pr, keys, s.now())
	created, err := recordstore.CreateJSON(ctx, s.store, c.ID, c)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := s.Get(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		return existingResult(existing), nil
	}
	for _, rec := range records {
		if err := s.evals.save(ctx, rec); err != nil {
			if _, failErr := s.fail(ctx, c.ID, "could not store evaluations: "+err.Error()); failErr != nil {
				slog.Error("mark problem CI failed", "cohort_id", c.ID, "error", failErr)
			}
			return nil, err
		}
	}
	slog.Info("problem CI created", "cohort_id", c.ID, "problem_id", problemID, "bots", len(bots))

	msg := fmt.Sprintf("Evaluating %d bots on %s", len(bots), problemID)
	if err := s.repo.postStatus(ctx, pr, gitprovider.StatePending, msg, s.statusURL(c.ID)); err != nil {
		slog.Warn("post pending status", "cohort_id", c.ID, "error", err)
	}

	result := &CheckResult{Outcome: OutcomeTriggered, Message: msg, CohortID: c.ID, Status: cohort.StatusPending}
	for _, rec := range records {
		result.EvalIDs = append(result.EvalIDs, rec.EvalID)
	}

	if err := s.dispatchAll(ctx, records); err != nil {
		failed, failErr := s.fail(ctx, c.ID, domain.Message(err))
		if failErr != nil {
			slog.Error("mark problem CI failed", "cohort_id", c.ID, "error", failErr)
		}
		if failed != nil {
			result.Status = failed.Status
			result.Message = failed.Error
		}
		return result, err
	}
	return result, nil
}

func existingResult(c *cohort.Cohort) *CheckResult {
	return &CheckResult{
		Outcome:  OutcomeExisting,
		Message:  "Problem CI already exists for this revision",
		CohortID: c.ID,
		Status:   c.Status,
	}
}

// dispatchAll hands every record to its evaluator, at most maxParallel at a
// time. The first failure cancels the dispatches still waiting.
func (s *ProblemCIService) dispatchAll(ctx context.Context, records []*evaluation.Record) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for _, rec := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.evals.dispatch(gctx, rec)
		})
	}
	return g.Wait()
}

// OnEvaluationComplete runs the reduce barrier for the cohort rec belongs to
// and, if this caller won it, settles the cohort.
func (s *ProblemCIService) OnEvaluationComplete(ctx context.Context, rec *evaluation.Record) error {
	_, err := s.settle(ctx, rec.CohortID)
	return err
}

// Redrive runs the reduce barrier again without a completion callback, for
// cohorts whose reduction was released after an error.
func (s *ProblemCIService) Redrive(ctx context.Context, cohortID string) (*cohort.Cohort, error) {
	if cohortID == "" {
		return nil, fmt.Errorf("%w: problem CI id is required", domain.ErrValidation)
	}
	return s.settle(ctx, cohortID)
}

// HandleEvaluationCompleted is a messagequeue.Handler for
// evaluations.completed. It redrives the cohort the evaluation belongs to,
// covering replicas that stopped between storing results and reducing.
// Messages of plain bot evaluations and of unknown cohorts are acknowledged.
func (s *ProblemCIService) HandleEvaluationCompleted(ctx context.Context, _ string, data []byte) error {
	var msg messagequeue.EvaluationCompletedPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode evaluation completed: %w", err)
	}
	if msg.CohortID == "" {
		return nil
	}
	_, err := s.settle(ctx, msg.CohortID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("completed evaluation names unknown problem CI", "eval_id", msg.EvalID, "cohort_id", msg.CohortID)
		return nil
	}
	return err
}

func (s *ProblemCIService) settle(ctx context.Context, cohortID string) (*cohort.Cohort, error) {
	out, err := s.reducer.Reduce(ctx, cohortID)
	if err != nil {
		return nil, fmt.Errorf("reduce %s: %w", cohortID, err)
	}
	if !out.Claimed {
		return out.Cohort, nil
	}
	if !out.Decision.Passed {
		return s.fail(ctx, cohortID, out.Decision.Reason)
	}
	return s.pass(ctx, out)
}

// pass records every member's score, marks the cohort Passed and merges the
// change. Ledgers are written first; appends are idempotent, so a released
// claim can safely run this again.
func (s *ProblemCIService) pass(ctx context.Context, out *Outcome) (*cohort.Cohort, error) {
	id := out.Cohort.ID
	var reportURLs []string
	for _, rec := range out.Members {
		ref := ledger.Ref{Submitter: rec.Submitter, BotName: rec.BotName, ProblemID: rec.ProblemID}
		if _, err := s.ledgers.AppendScore(ctx, ref, ledger.Score{Score: rec.Results.Score, EvalKey: rec.EvalKey}); err != nil {
			s.reducer.Release(ctx, id)
			return nil, err
		}
		if rec.ReportURL != "" {
			reportURLs = append(reportURLs, rec.ReportURL)
		}
	}

	c, err := s.reducer.Commit(ctx, id, func(c *cohort.Cohort) error {
		return c.MarkPassed(reportURLs, s.now())
	})
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			s.reducer.Release(ctx, id)
		}
		return nil, fmt.Errorf("mark problem CI %s passed: %w", id, err)
	}
	s.finished(ctx, c)

	statusErr := s.repo.postStatus(ctx, c.PullRequest, gitprovider.StateSuccess, "Evaluation complete", s.statusURL(id))
	if err := s.repo.merge(ctx, c.PullRequest); err != nil {
		return c, err
	}
	return c, statusErr
}

// fail marks the cohort Failed with reason and reports it on the change
// request. No ledger is touched.
func (s *ProblemCIService) fail(ctx context.Context, cohortID, reason string) (*cohort.Cohort, error) {
	c, err := s.reducer.Commit(ctx, cohortID, func(c *cohort.Cohort) error {
		return c.MarkFailed(reason, s.now())
	})
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			s.reducer.Release(ctx, cohortID)
		}
		return nil, fmt.Errorf("mark problem CI %s failed: %w", cohortID, err)
	}
	slog.Warn("problem CI failed", "cohort_id", cohortID, "reason", reason)
	s.finished(ctx, c)
	return c, s.repo.postStatus(ctx, c.PullRequest, gitprovider.StateError, reason, s.statusURL(cohortID))
}

func (s *ProblemCIService) finished(ctx context.Context, c *cohort.Cohort) {
	s.metrics.CohortFinished(ctx, string(c.Status))
	publish(ctx, s.queue, messagequeue.SubjectCohortFinished, messagequeue.CohortFinishedPayload{
		CohortID:  c.ID,
		ProblemID: c.ProblemID,
		PRNumber:  c.PullRequest.Number,
		Status:    string(c.Status),
		Error:     c.Error,
	})
	if c.Status == cohort.StatusPassed {
		publish(ctx, s.queue, messagequeue.SubjectLeaderboardRegenerate, messagequeue.LeaderboardRegeneratePayload{
			Reason:    "problem CI passed",
			ProblemID: c.ProblemID,
			At:        s.now().UTC(),
		})
	}
}

func (s *ProblemCIService) statusURL(cohortID string) string {
	if s.publicHost == "" {
		return ""
	}
	return s.publicHost + "/problem_ci_status?id=" + url.QueryEscape(cohortID)
}

// StatusQuery selects a cohort either by id or by change request number and
// head commit.
type StatusQuery struct {
	ID       string
	PRNumber int
	Commit   string
}

// Status returns the public status of a regression check.
func (s *ProblemCIService) Status(ctx context.Context, q StatusQuery) (*cohort.StatusView, error) {
	id := q.ID
	if id == "" {
		if q.PRNumber == 0 || q.Commit == "" {
			return nil, fmt.Errorf("%w: id, or pr_number and commit, are required", domain.ErrValidation)
		}
		id = cohort.ID(q.PRNumber, q.Commit)
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v := c.View()
	return &v, nil
}

// Get returns the cohort with id.
func (s *ProblemCIService) Get(ctx context.Context, id string) (*cohort.Cohort, error) {
	return s.reducer.loadCohort(ctx, id)
}

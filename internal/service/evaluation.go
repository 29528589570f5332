package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	mrand "math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	blotel "github.com/Strob0t/botleague/internal/adapter/otel"
	"github.com/Strob0t/botleague/internal/config"
	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/cohort"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/domain/league"
	"github.com/Strob0t/botleague/internal/domain/ledger"
	"github.com/Strob0t/botleague/internal/port/evaluator"
	"github.com/Strob0t/botleague/internal/port/gitprovider"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
	"github.com/Strob0t/botleague/internal/port/recordstore"
	"github.com/Strob0t/botleague/internal/port/reportstore"
	"github.com/Strob0t/botleague/internal/resilience"
)

const (
	evalKeyLength = 25
	evalKeyChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxSeed       = 1_000_000
	reportFile    = "results.json"
)

// CohortHandler settles the regression check a completed evaluation belongs to.
type CohortHandler interface {
	OnEvaluationComplete(ctx context.Context, rec *evaluation.Record) error
}

// EvaluationDeps holds the collaborators of an EvaluationService.
type EvaluationDeps struct {
	Store       recordstore.Store
	Dispatcher  evaluator.Dispatcher
	Reports     reportstore.Store
	Queue       messagequeue.Queue
	Ledgers     *LedgerService
	Git         gitprovider.Provider
	GitHub      config.GitHub
	Retry       resilience.RetryPolicy
	LiaisonHost string
	Metrics     *blotel.Metrics
}

// EvaluationService owns the lifecycle of single evaluations:
// started, confirmed, complete.
type EvaluationService struct {
	store       recordstore.Store
	dispatcher  evaluator.Dispatcher
	reports     reportstore.Store
	queue       messagequeue.Queue
	ledgers     *LedgerService
	repo        leagueRepo
	retry       resilience.RetryPolicy
	liaisonHost string
	metrics     *blotel.Metrics
	cohorts     CohortHandler
	now         func() time.Time
}

// NewEvaluationService creates an EvaluationService.
func NewEvaluationService(d EvaluationDeps) *EvaluationService {
	return &EvaluationService{
		store:       d.Store,
		dispatcher:  d.Dispatcher,
		reports:     d.Reports,
		queue:       d.Queue,
		ledgers:     d.Ledgers,
		repo:        leagueRepo{git: d.Git, cfg: d.GitHub},
		retry:       d.Retry,
		liaisonHost: d.LiaisonHost,
		metrics:     d.Metrics,
		now:         time.Now,
	}
}

// SetCohortHandler sets the handler completed cohort members are passed to.
func (s *EvaluationService) SetCohortHandler(h CohortHandler) {
	s.cohorts = h
}

// TriggerRequest describes one evaluation to start.
type TriggerRequest struct {
	Bot         league.Bot
	Problem     league.Problem
	PullRequest evaluation.PullRequest
	CohortID    string
	Seed        int // 0 picks a random seed
}

// Trigger creates a Started record and hands it to the problem's evaluator.
// When dispatch fails the record is returned together with an error wrapping
// domain.ErrUpstream and stays Started.
func (s *EvaluationService) Trigger(ctx context.Context, req TriggerRequest) (*evaluation.Record, error) {
	rec, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// create stores a new Started record and its public index entry.
// newRecord builds a Created record with a fresh key, id and seed without
// storing it.
func (s *EvaluationService) newRecord(req TriggerRequest) (*evaluation.Record, error) {
	if req.Problem.Endpoint == "" {
		return nil, fmt.Errorf("%w: problem %s has no endpoint", domain.ErrValidation, req.Problem.ID)
	}
	key, err := newEvalKey()
	if err != nil {
		return nil, fmt.Errorf("generate eval key: %w", err)
	}
	seed := req.Seed
	if seed == 0 {
		seed = newSeed()
	}
	rec, err := evaluation.New(evaluation.NewParams{
		EvalKey:     key,
		EvalID:      uuid.NewString(),
		Seed:        seed,
		Bot:         req.Bot,
		Problem:     req.Problem,
		PullRequest: req.PullRequest,
		CohortID:    req.CohortID,
		LiaisonHost: s.liaisonHost,
		Now:         s.now(),
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *EvaluationService) create(ctx context.Context, req TriggerRequest) (*evaluation.Record, error) {
	rec, err := s.newRecord(req)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// save stores a new record and its id index.
func (s *EvaluationService) save(ctx context.Context, rec *evaluation.Record) error {
	created, err := recordstore.CreateJSON(ctx, s.store, evaluation.Key(rec.EvalKey), rec)
	if err != nil {
		return fmt.Errorf("create evaluation %s: %w", rec.EvalID, err)
	}
	if !created {
		return fmt.Errorf("%w: evaluation key collision", domain.ErrConflict)
	}
	if _, err := recordstore.CreateJSON(ctx, s.store, evaluation.IDKey(rec.EvalID), evalIndex{EvalKey: rec.EvalKey}); err != nil {
		return fmt.Errorf("index evaluation %s: %w", rec.EvalID, err)
	}
	slog.Info("evaluation created",
		"eval_id", rec.EvalID, "username", rec.Submitter, "botname", rec.BotName,
		"problem_id", rec.ProblemID, "problem_ci_id", rec.CohortID)
	return nil
}

// dispatch makes the single attempt at handing rec to its evaluator.
func (s *EvaluationService) dispatch(ctx context.Context, rec *evaluation.Record) error {
	ctx, span := blotel.StartDispatchSpan(ctx, rec.EvalID, rec.ProblemID)
	defer span.End()

	err := s.dispatcher.Dispatch(ctx, rec.Problem.Endpoint, rec.Payload())
	s.metrics.Triggered(ctx, rec.ProblemID, err == nil)
	if err != nil {
		span.RecordError(err)
		slog.Error("evaluation dispatch failed", "eval_id", rec.EvalID, "problem_id", rec.ProblemID, "error", err)
		return fmt.Errorf("dispatch evaluation %s: %w", rec.EvalID, err)
	}
	slog.Info("evaluation dispatched", "eval_id", rec.EvalID, "endpoint", rec.Problem.Endpoint)
	return nil
}

// evalIndex is the value of an eval_id index entry.
type evalIndex struct {
	EvalKey string `json:"eval_key"`
}

// ConfirmRequest is an evaluator's confirmation that it accepted an evaluation.
type ConfirmRequest struct {
	EvalKey string `json:"eval_key" validate:"required"`
	Error   string `json:"error,omitempty"`
}

// ConfirmResponse is returned to the evaluator.
type ConfirmResponse struct {
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// Confirm moves a Started evaluation to Confirmed. Re-confirming is
// idempotent. An error reported by the evaluator is surfaced as
// domain.ErrUpstream and leaves the record untouched.
func (s *EvaluationService) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	if req.EvalKey == "" {
		return &ConfirmResponse{}, fmt.Errorf("%w: eval_key must be in JSON data payload", domain.ErrValidation)
	}

	rec, err := resilience.RetryContended(ctx, s.retry, func(ctx context.Context) (*evaluation.Record, error) {
		rec, rev, err := s.load(ctx, req.EvalKey)
		if err != nil {
			return nil, err
		}
		already := rec.Status == evaluation.StatusConfirmed
		if err := rec.Confirm(s.now()); err != nil {
			return nil, err
		}
		if req.Error != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrUpstream, req.Error)
		}
		if already {
			return rec, nil
		}
		swapped, err := recordstore.SwapJSON(ctx, s.store, evaluation.Key(rec.EvalKey), rev, rec)
		if err != nil {
			return nil, err
		}
		if !swapped {
			return nil, resilience.ErrContended
		}
		return rec, nil
	}, nil)
	if err != nil {
		return &ConfirmResponse{Error: domain.Message(err)}, err
	}

	s.metrics.Confirmed(ctx)
	slog.Info("evaluation confirmed", "eval_id", rec.EvalID)
	return &ConfirmResponse{Confirmed: true}, nil
}

// ResultsRequest is an evaluator's final report.
type ResultsRequest struct {
	EvalKey string              `json:"eval_key" validate:"required"`
	Results *evaluation.Results `json:"results"`
	Error   string              `json:"error,omitempty"`
}

// CompleteResponse is returned to the evaluator.
type CompleteResponse struct {
	Results   *evaluation.Results `json:"results"`
	Error     string              `json:"error,omitempty"`
	ReportURL string              `json:"report_link,omitempty"`
}

// Complete stores an evaluation's results and moves it to Complete. Only a
// Confirmed record may complete, and of two racing callbacks exactly one
// succeeds. Results that report errors are still stored; the response then
// also carries an error wrapping domain.ErrUpstream.
func (s *EvaluationService) Complete(ctx context.Context, req ResultsRequest) (*CompleteResponse, error) {
	if req.EvalKey == "" {
		return nil, fmt.Errorf("%w: eval_key must be in JSON data payload", domain.ErrValidation)
	}
	rec, rev, err := s.load(ctx, req.EvalKey)
	if err != nil {
		return nil, err
	}
	if err := rec.CanComplete(); err != nil {
		return nil, err
	}
	if req.Results == nil {
		return nil, fmt.Errorf("%w: no \"results\" found in request", domain.ErrValidation)
	}

	now := s.now()
	results := req.Results
	evalErr := req.Error
	if evalErr == "" && results.HasErrors() {
		evalErr = compactJSON(results.Errors)
	}
	rec.Annotate(results, now)

	if err := rec.Complete(results, evalErr, now); err != nil {
		return nil, err
	}
	// The link is recorded before the write so a complete record never
	// changes; the document is uploaded only by the caller that wins.
	rec.ReportURL = s.reportLink(rec)
	swapped, err := recordstore.SwapJSON(ctx, s.store, evaluation.Key(rec.EvalKey), rev, rec)
	if err != nil {
		return nil, fmt.Errorf("complete evaluation %s: %w", rec.EvalID, err)
	}
	if !swapped {
		return nil, fmt.Errorf("%w: this evaluation has already been processed", domain.ErrConflict)
	}

	link := s.publishReport(ctx, rec, results)

	s.metrics.Completed(ctx, rec.ProblemID, evalErr != "")
	slog.Info("evaluation complete", "eval_id", rec.EvalID, "score", results.Score, "failed", evalErr != "")
	s.announce(ctx, rec)

	var settleErr error
	if rec.CohortID != "" && s.cohorts != nil {
		settleErr = s.cohorts.OnEvaluationComplete(ctx, rec)
	} else {
		settleErr = s.settleBotEvaluation(ctx, rec)
	}
	if settleErr != nil {
		slog.Error("settle evaluation", "eval_id", rec.EvalID, "error", settleErr)
	}

	resp := &CompleteResponse{Results: results, ReportURL: link}
	switch {
	case evalErr != "":
		err = fmt.Errorf("%w: %s", domain.ErrUpstream, evalErr)
	case settleErr != nil:
		err = settleErr
	}
	if err != nil {
		resp.Error = domain.Message(err)
		if resp.Error == "" {
			resp.Error = err.Error()
		}
		results.Error = resp.Error
	}
	return resp, err
}

func (s *EvaluationService) reportLink(rec *evaluation.Record) string {
	if s.reports == nil {
		return ""
	}
	return s.reports.Link(rec.EvalID + "/" + reportFile)
}

// publishReport uploads the annotated results. Failures are logged and leave
// the returned link empty; the stored record keeps its link.
func (s *EvaluationService) publishReport(ctx context.Context, rec *evaluation.Record, results *evaluation.Results) string {
	if s.reports == nil {
		return ""
	}
	doc, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		slog.Error("marshal results", "eval_id", rec.EvalID, "error", err)
		return ""
	}
	link, err := s.reports.Upload(ctx, rec.EvalID+"/"+reportFile, doc)
	if err != nil {
		slog.Warn("report upload failed", "eval_id", rec.EvalID, "error", err)
		return ""
	}
	return link
}

// announce tells downstream consumers that a score exists.
func (s *EvaluationService) announce(ctx context.Context, rec *evaluation.Record) {
	publish(ctx, s.queue, messagequeue.SubjectLeaderboardRegenerate, messagequeue.LeaderboardRegeneratePayload{
		Reason:    "evaluation complete",
		ProblemID: rec.ProblemID,
		At:        s.now().UTC(),
	})
	publish(ctx, s.queue, messagequeue.SubjectEvaluationCompleted, messagequeue.EvaluationCompletedPayload{
		EvalID:    rec.EvalID,
		Submitter: rec.Submitter,
		BotName:   rec.BotName,
		ProblemID: rec.ProblemID,
		Score:     rec.Results.Score,
		Error:     rec.Error,
		CohortID:  rec.CohortID,
		ReportURL: rec.ReportURL,
	})
}

// settleBotEvaluation finishes an evaluation that is not part of a
// regression check: record the score, report on the change request and
// merge it when the evaluation succeeded.
func (s *EvaluationService) settleBotEvaluation(ctx context.Context, rec *evaluation.Record) error {
	if rec.Error != "" {
		return s.repo.postStatus(ctx, rec.PullRequest, gitprovider.StateError, rec.Error, rec.ReportURL)
	}
	if s.ledgers != nil {
		ref := ledger.Ref{Submitter: rec.Submitter, BotName: rec.BotName, ProblemID: rec.ProblemID}
		if _, err := s.ledgers.AppendScore(ctx, ref, ledger.Score{Score: rec.Results.Score, EvalKey: rec.EvalKey}); err != nil {
			return err
		}
	}
	if err := s.repo.postStatus(ctx, rec.PullRequest, gitprovider.StateSuccess, "Evaluation complete", rec.ReportURL); err != nil {
		return err
	}
	return s.repo.merge(ctx, rec.PullRequest)
}

// Get returns the record for evalKey.
func (s *EvaluationService) Get(ctx context.Context, evalKey string) (*evaluation.Record, error) {
	rec, _, err := s.load(ctx, evalKey)
	return rec, err
}

// GetPublic returns the public view of the evaluation with evalID.
func (s *EvaluationService) GetPublic(ctx context.Context, evalID string) (*evaluation.PublicView, error) {
	if evalID == "" {
		return nil, fmt.Errorf("%w: eval_id is required", domain.ErrValidation)
	}
	idx, _, err := recordstore.GetJSON[evalIndex](ctx, s.store, evaluation.IDKey(evalID))
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, fmt.Errorf("%w: could not find evaluation %s", domain.ErrNotFound, evalID)
	}
	rec, _, err := s.load(ctx, idx.EvalKey)
	if err != nil {
		return nil, err
	}
	view := rec.Public()
	return &view, nil
}

func (s *EvaluationService) load(ctx context.Context, evalKey string) (*evaluation.Record, uint64, error) {
	rec, rev, err := recordstore.GetJSON[evaluation.Record](ctx, s.store, evaluation.Key(evalKey))
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, fmt.Errorf("%w: could not find evaluation with that key", domain.ErrNotFound)
	}
	return rec, rev, nil
}

// BotEvaluationRequest asks for a bot submission to be evaluated on every
// problem its definition lists.
type BotEvaluationRequest struct {
	Submitter   string                 `json:"username" validate:"required"`
	BotName     string                 `json:"botname" validate:"required"`
	PullRequest evaluation.PullRequest `json:"pull_request"`
}

// TriggerResult reports the outcome of triggering one problem.
type TriggerResult struct {
	ProblemID string `json:"problem_id"`
	EvalID    string `json:"eval_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TriggerBotEvaluation reads the bot definition at the change request's head
// revision and triggers one evaluation per listed problem, all sharing a seed.
func (s *EvaluationService) TriggerBotEvaluation(ctx context.Context, req BotEvaluationRequest) ([]TriggerResult, error) {
	if req.Submitter == "" || req.BotName == "" {
		return nil, fmt.Errorf("%w: username and botname are required", domain.ErrValidation)
	}
	pr := req.PullRequest
	headRepo := pr.HeadFullName
	if headRepo == "" {
		headRepo = s.repo.repoFor(pr)
	}
	path := league.BotsDir + "/" + req.Submitter + "/" + req.BotName + "/" + league.BotDefinitionFile
	data, err := s.repo.fetch(ctx, headRepo, path, pr.HeadCommit)
	if err != nil {
		return nil, fmt.Errorf("could not find bot.json: %w", err)
	}
	bot, err := league.ParseBot(req.Submitter, req.BotName, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if hasDuplicates(bot.Problems) {
		return nil, fmt.Errorf("%w: duplicate problems detected", domain.ErrValidation)
	}

	seed := newSeed()
	results := make([]TriggerResult, 0, len(bot.Problems))
	for _, problemID := range bot.Problems {
		res := TriggerResult{ProblemID: problemID}
		problem, err := s.fetchProblem(ctx, s.repo.repoFor(pr), problemID, "")
		if err != nil {
			res.Error = fmt.Sprintf("problem does not exist %s", problemID)
			results = append(results, res)
			continue
		}
		rec, err := s.Trigger(ctx, TriggerRequest{Bot: *bot, Problem: *problem, PullRequest: pr, Seed: seed})
		if rec != nil {
			res.EvalID = rec.EvalID
		}
		if err != nil {
			res.Error = domain.Message(err)
			if res.Error == "" {
				res.Error = err.Error()
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *EvaluationService) fetchProblem(ctx context.Context, repo, problemID, ref string) (*league.Problem, error) {
	data, err := s.repo.fetch(ctx, repo, league.ProblemPath(problemID), ref)
	if err != nil {
		return nil, err
	}
	p, err := league.ParseProblem(problemID, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return p, nil
}

// FrozenRecord reports whether a stored value can no longer change:
// index entries, complete evaluations and terminal cohorts.
func FrozenRecord(key string, value []byte) bool {
	switch {
	case evaluation.IsIndexKey(key):
		return true
	case evaluation.IsRecordKey(key):
		var rec struct {
			Status evaluation.Status `json:"status"`
		}
		return json.Unmarshal(value, &rec) == nil && rec.Status == evaluation.StatusComplete
	case cohort.IsKey(key):
		var c struct {
			Status cohort.Status `json:"status"`
		}
		return json.Unmarshal(value, &c) == nil && (c.Status == cohort.StatusPassed || c.Status == cohort.StatusFailed)
	}
	return false
}

// newEvalKey returns a random alphanumeric secret.
func newEvalKey() (string, error) {
	out := make([]byte, evalKeyLength)
	limit := big.NewInt(int64(len(evalKeyChars)))
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = evalKeyChars[n.Int64()]
	}
	return string(out), nil
}

func newSeed() int {
	return mrand.IntN(maxSeed) + 1
}

func hasDuplicates(ids []string) bool {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return len(slices.Compact(sorted)) != len(ids)
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

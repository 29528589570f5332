package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/botleague/internal/domain"
	"github.com/Strob0t/botleague/internal/domain/evaluation"
	"github.com/Strob0t/botleague/internal/domain/league"
	"github.com/Strob0t/botleague/internal/domain/ledger"
	"github.com/Strob0t/botleague/internal/port/gitprovider"
	"github.com/Strob0t/botleague/internal/port/messagequeue"
)

var testBot = league.Bot{Submitter: "crizcraig", Name: "forward-agent", DockerTag: "crizcraig/forward", Problems: []string{"deepdrive/dr"}}

func trigger(t *testing.T, h *harness) *evaluation.Record {
	t.Helper()
	rec, err := h.evals.Trigger(context.Background(), TriggerRequest{Bot: testBot, Problem: testProblem, PullRequest: testPR})
	require.NoError(t, err)
	return rec
}

func TestTriggerCreatesStartedRecordAndDispatches(t *testing.T) {
	h := newHarness(t)
	rec := trigger(t, h)

	assert.Len(t, rec.EvalKey, 25)
	assert.NotEqual(t, rec.EvalKey, rec.EvalID)
	assert.Equal(t, evaluation.StatusStarted, rec.Status)
	assert.GreaterOrEqual(t, rec.Seed, 1)

	sent := h.disp.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, rec.EvalKey, sent[0].EvalKey)
	assert.Equal(t, rec.EvalID, sent[0].EvalID)
	assert.Equal(t, "crizcraig/forward", sent[0].DockerTag)
	assert.Equal(t, testLiaison, sent[0].LiaisonHost)
	assert.Equal(t, testPR.HeadCommit, sent[0].PullRequest.HeadCommit)

	stored, err := h.evals.Get(context.Background(), rec.EvalKey)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusStarted, stored.Status)

	view, err := h.evals.GetPublic(context.Background(), rec.EvalID)
	require.NoError(t, err)
	data, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(data), rec.EvalKey)
}

func TestTriggerDispatchFailureKeepsStarted(t *testing.T) {
	h := newHarness(t)
	h.disp.fail[testProblem.Endpoint] = true

	rec, err := h.evals.Trigger(context.Background(), TriggerRequest{Bot: testBot, Problem: testProblem, PullRequest: testPR})
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "took too long to respond")
	require.NotNil(t, rec)

	stored, err := h.evals.Get(context.Background(), rec.EvalKey)
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusStarted, stored.Status)
}

func TestTriggerRequiresEndpoint(t *testing.T) {
	h := newHarness(t)
	_, err := h.evals.Trigger(context.Background(), TriggerRequest{Bot: testBot, Problem: league.Problem{ID: "x/y"}})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := trigger(t, h)

	_, err := h.evals.Confirm(ctx, ConfirmRequest{})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.evals.Confirm(ctx, ConfirmRequest{EvalKey: "nope"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	resp, err := h.evals.Confirm(ctx, ConfirmRequest{EvalKey: rec.EvalKey, Error: "sim crashed"})
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.False(t, resp.Confirmed)
	assert.Equal(t, "sim crashed", resp.Error)
	stored, _ := h.evals.Get(ctx, rec.EvalKey)
	assert.Equal(t, evaluation.StatusStarted, stored.Status)

	resp, err = h.evals.Confirm(ctx, ConfirmRequest{EvalKey: rec.EvalKey})
	require.NoError(t, err)
	assert.True(t, resp.Confirmed)

	resp, err = h.evals.Confirm(ctx, ConfirmRequest{EvalKey: rec.EvalKey})
	require.NoError(t, err, "re-confirm is idempotent")
	assert.True(t, resp.Confirmed)
	stored, _ = h.evals.Get(ctx, rec.EvalKey)
	assert.Equal(t, evaluation.StatusConfirmed, stored.Status)
}

func TestCompleteRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := trigger(t, h)

	_, err := h.evals.Complete(ctx, ResultsRequest{EvalKey: rec.EvalKey, Results: &evaluation.Results{Score: 1}})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "not been confirmed")

	_, err = h.evals.Confirm(ctx, ConfirmRequest{EvalKey: rec.EvalKey})
	require.NoError(t, err)

	_, err = h.evals.Complete(ctx, ResultsRequest{EvalKey: rec.EvalKey})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCompleteBotEvaluation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := trigger(t, h)

	resp, err := h.finish(t, rec.EvalKey, 42, "")
	require.NoError(t, err)
	assert.Equal(t, "https://reports.example/"+rec.EvalID+"/results.json", resp.ReportURL)
	assert.Equal(t, "crizcraig", resp.Results.Submitter)
	assert.Equal(t, testPR.HeadCommit, resp.Results.LeagueCommitSHA)

	stored, err := h.evals.Get(ctx, rec.EvalKey)
	require.NoError(t, err)
	assert.True(t, stored.IsComplete())
	assert.Equal(t, resp.ReportURL, stored.ReportURL)
	assert.False(t, stored.CompletedAt.IsZero())

	l, err := h.ledgers.Get(ctx, ledger.Ref{Submitter: "crizcraig", BotName: "forward-agent", ProblemID: "deepdrive/dr"})
	require.NoError(t, err)
	require.Len(t, l.Scores, 1)
	assert.Equal(t, 42.0, l.Scores[0].Score)

	assert.Equal(t, gitprovider.StateSuccess, h.git.lastStatus().State)
	assert.Equal(t, "Botleague", h.git.lastStatus().Context)
	assert.Equal(t, 1, h.git.mergeCount())
	assert.Equal(t, 1, h.queue.count(messagequeue.SubjectLeaderboardRegenerate))
	assert.Equal(t, 1, h.queue.count(messagequeue.SubjectEvaluationCompleted))

	_, err = h.evals.Complete(ctx, ResultsRequest{EvalKey: rec.EvalKey, Results: &evaluation.Results{Score: 1}})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "already been processed")

	_, err = h.evals.Confirm(ctx, ConfirmRequest{EvalKey: rec.EvalKey})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCompleteWithErrorsIsStoredButReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := trigger(t, h)

	resp, err := h.finish(t, rec.EvalKey, 0, `{"sim": "crashed"}`)
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, `{"sim":"crashed"}`, resp.Error)

	stored, err := h.evals.Get(ctx, rec.EvalKey)
	require.NoError(t, err)
	assert.True(t, stored.IsComplete())
	assert.Equal(t, `{"sim":"crashed"}`, stored.Error)

	l, err := h.ledgers.Get(ctx, ledger.Ref{Submitter: "crizcraig", BotName: "forward-agent", ProblemID: "deepdrive/dr"})
	require.NoError(t, err)
	assert.Empty(t, l.Scores)
	assert.Equal(t, gitprovider.StateError, h.git.lastStatus().State)
	assert.Zero(t, h.git.mergeCount())
}

func TestCompleteDraftIsNotMerged(t *testing.T) {
	h := newHarness(t)
	h.git.draft = true
	rec := trigger(t, h)

	_, err := h.finish(t, rec.EvalKey, 1, "")
	require.NoError(t, err)
	assert.Zero(t, h.git.mergeCount())
}

func TestRacingCompletesOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := trigger(t, h)
	_, err := h.evals.Confirm(ctx, ConfirmRequest{EvalKey: rec.EvalKey})
	require.NoError(t, err)

	const callers = 8
	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		conflicts atomic.Int32
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.evals.Complete(ctx, ResultsRequest{EvalKey: rec.EvalKey, Results: &evaluation.Results{Score: float64(i)}})
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, domain.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), conflicts.Load())
	assert.Equal(t, 1, h.queue.count(messagequeue.SubjectEvaluationCompleted))
	assert.Equal(t, []string{rec.EvalID + "/results.json"}, h.reports.uploads(), "only the winner uploads")
}

func TestTriggerBotEvaluation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.git.files["botleague/botleague:bots/crizcraig/forward-agent/bot.json"] =
		[]byte(`{"docker_tag":"crizcraig/forward","problems":["deepdrive/dr","deepdrive/missing"]}`)

	results, err := h.evals.TriggerBotEvaluation(ctx, BotEvaluationRequest{
		Submitter: "crizcraig", BotName: "forward-agent", PullRequest: testPR,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].EvalID)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "problem does not exist deepdrive/missing", results[1].Error)

	_, err = h.evals.TriggerBotEvaluation(ctx, BotEvaluationRequest{Submitter: "nobody", BotName: "x", PullRequest: testPR})
	require.ErrorIs(t, err, domain.ErrNotFound)

	h.git.files["botleague/botleague:bots/dup/bot/bot.json"] = []byte(`{"docker_tag":"d","problems":["a/b","a/b"]}`)
	_, err = h.evals.TriggerBotEvaluation(ctx, BotEvaluationRequest{Submitter: "dup", BotName: "bot", PullRequest: testPR})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestFrozenRecord(t *testing.T) {
	assert.True(t, FrozenRecord(evaluation.IDKey("id"), []byte(`{"eval_key":"k"}`)))
	assert.True(t, FrozenRecord(evaluation.Key("k"), []byte(`{"status":"complete"}`)))
	assert.False(t, FrozenRecord(evaluation.Key("k"), []byte(`{"status":"confirmed"}`)))
	assert.True(t, FrozenRecord("problem_ci_1_abc", []byte(`{"status":"passed"}`)))
	assert.False(t, FrozenRecord("problem_ci_1_abc", []byte(`{"status":"pending"}`)))
	assert.False(t, FrozenRecord("ledger_a.b-on-c", []byte(`{}`)))
	assert.False(t, FrozenRecord("reduce_claim_problem_ci_1_abc", []byte(`{}`)))
}

package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRefID(t *testing.T) {
	ref := Ref{Submitter: "crizcraig", BotName: "goodbot", ProblemID: "deepdrive/unprotected_left"}
	assert.Equal(t, "crizcraig.goodbot-on-deepdrive.unprotected_left", ref.ID())
	assert.Equal(t, "ledger_crizcraig.goodbot-on-deepdrive.unprotected_left", ref.Key())
}

func TestAppendRecomputesStats(t *testing.T) {
	l := Empty(Ref{Submitter: "u", BotName: "b", ProblemID: "p/q"})

	require.True(t, l.Append(Score{Score: 10, EvalKey: "a"}, now))
	assert.Equal(t, 10.0, l.Mean)
	assert.Nil(t, l.Stdev, "stdev is undefined below two samples")

	require.True(t, l.Append(Score{Score: 100, EvalKey: "b"}, now))
	require.True(t, l.Append(Score{Score: 40, EvalKey: "c"}, now))

	assert.InDelta(t, 50.0, l.Mean, 1e-9)
	assert.Equal(t, 10.0, l.Min)
	assert.Equal(t, 100.0, l.Max)
	assert.Equal(t, 40.0, l.Median)
	require.NotNil(t, l.Stdev)
	// Sample standard deviation of {10, 100, 40}.
	assert.InDelta(t, 45.8257569, *l.Stdev, 1e-6)
	assert.Equal(t, now, l.CreatedAt)
}

func TestAppendDuplicateIsNoop(t *testing.T) {
	l := Empty(Ref{Submitter: "u", BotName: "b", ProblemID: "p"})
	require.True(t, l.Append(Score{Score: 1, EvalKey: "a"}, now))
	later := now.Add(time.Hour)
	assert.False(t, l.Append(Score{Score: 999, EvalKey: "a"}, later))
	assert.Len(t, l.Scores, 1)
	assert.Equal(t, 1.0, l.Mean)
	assert.Equal(t, now, l.UpdatedAt)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	in := []float64{3, 1, 2}
	assert.Equal(t, 2.0, Median(in))
	assert.Equal(t, []float64{3, 1, 2}, in, "input must not be reordered")
}

func TestSummaryOmitsEvalKeys(t *testing.T) {
	l := Empty(Ref{Submitter: "u", BotName: "b", ProblemID: "p"})
	l.Append(Score{Score: 5, EvalKey: "SECRETKEY"}, now)
	data, err := json.Marshal(l.Summary())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "SECRETKEY")
	assert.Equal(t, []float64{5}, l.Summary().Scores)
}

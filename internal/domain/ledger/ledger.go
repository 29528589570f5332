// Package ledger defines the per (submitter, bot, problem) score history.
package ledger

import (
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const keyPrefix = "ledger_"

// Score is one recorded evaluation score. EvalKey makes appends idempotent.
type Score struct {
	Score   float64 `json:"score"`
	EvalKey string  `json:"eval_key"`
}

// Ref identifies a ledger.
type Ref struct {
	Submitter string
	BotName   string
	ProblemID string
}

// ID returns the ledger id, e.g. "crizcraig.forward-agent-on-deepdrive.dr".
// Slashes in problem ids are not valid in every record store, so they
// become dots.
func (r Ref) ID() string {
	return r.Submitter + "." + r.BotName + "-on-" + strings.ReplaceAll(r.ProblemID, "/", ".")
}

// Key returns the store key for the ledger.
func (r Ref) Key() string { return keyPrefix + r.ID() }

// Ledger is the append-only score history of one bot on one problem, with
// statistics derived from all recorded scores.
type Ledger struct {
	ID        string    `json:"id"`
	Submitter string    `json:"username"`
	BotName   string    `json:"botname"`
	ProblemID string    `json:"problem_id"`
	Scores    []Score   `json:"scores"`
	Mean      float64   `json:"mean"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Median    float64   `json:"median"`
	Stdev     *float64  `json:"stdev"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty returns a ledger with no scores for ref.
func Empty(ref Ref) *Ledger {
	return &Ledger{
		ID:        ref.ID(),
		Submitter: ref.Submitter,
		BotName:   ref.BotName,
		ProblemID: ref.ProblemID,
		Scores:    []Score{},
	}
}

// Has reports whether a score for evalKey is already recorded.
func (l *Ledger) Has(evalKey string) bool {
	return slices.ContainsFunc(l.Scores, func(s Score) bool { return s.EvalKey == evalKey })
}

// Values returns the recorded score values in insertion order.
func (l *Ledger) Values() []float64 {
	out := make([]float64, len(l.Scores))
	for i, s := range l.Scores {
		out[i] = s.Score
	}
	return out
}

// Append adds s and recomputes the statistics. It returns false, leaving the
// ledger untouched, when s.EvalKey is already recorded.
func (l *Ledger) Append(s Score, now time.Time) bool {
	if l.Has(s.EvalKey) {
		return false
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now.UTC()
	}
	l.UpdatedAt = now.UTC()
	l.Scores = append(l.Scores, s)
	l.recompute()
	return true
}

func (l *Ledger) recompute() {
	values := l.Values()
	if len(values) == 0 {
		return
	}
	l.Mean = stat.Mean(values, nil)
	l.Min = floats.Min(values)
	l.Max = floats.Max(values)
	l.Median = Median(values)
	l.Stdev = nil
	if len(values) >= 2 {
		sd := stat.StdDev(values, nil)
		l.Stdev = &sd
	}
}

// Median returns the middle value of values, averaging the two middle values
// for even counts. values is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Summary is the public form of a ledger. Eval keys are secret and are
// left out.
type Summary struct {
	ID        string    `json:"id"`
	Submitter string    `json:"username"`
	BotName   string    `json:"botname"`
	ProblemID string    `json:"problem_id"`
	Scores    []float64 `json:"scores"`
	Mean      float64   `json:"mean"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Median    float64   `json:"median"`
	Stdev     *float64  `json:"stdev"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Summary returns the public form of the ledger.
func (l *Ledger) Summary() Summary {
	return Summary{
		ID:        l.ID,
		Submitter: l.Submitter,
		BotName:   l.BotName,
		ProblemID: l.ProblemID,
		Scores:    l.Values(),
		Mean:      l.Mean,
		Min:       l.Min,
		Max:       l.Max,
		Median:    l.Median,
		Stdev:     l.Stdev,
		UpdatedAt: l.UpdatedAt,
	}
}

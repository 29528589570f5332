// Package gate decides whether a new score is statistically consistent with
// a bot's score history on a problem.
package gate

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/Strob0t/botleague/internal/domain/ledger"
)

// DefaultMultiplier is the asymptotic two-sided 95% bound used once the
// sample count exceeds the small-sample table.
const DefaultMultiplier = 1.96

// multipliers approximates two-sided 95% Student-t critical values keyed by
// the sample count including the new score.
var multipliers = map[int]float64{
	2: 12.71,
	3: 4.30,
	4: 3.18,
	5: 2.78,
}

// Multiplier returns the critical value for n samples (history plus the new score).
func Multiplier(n int) float64 {
	if m, ok := multipliers[n]; ok {
		return m
	}
	return DefaultMultiplier
}

// Interval describes the acceptance window a score was checked against.
// Computed is false when the check short-circuited without history.
type Interval struct {
	Computed            bool    `json:"computed"`
	Mean                float64 `json:"mean"`
	Low                 float64 `json:"low"`
	High                float64 `json:"high"`
	AcceptableDeviation float64 `json:"acceptable_score_deviation"`
}

// WithinInterval reports whether score lies inside the confidence interval
// built from past scores and the problem's acceptable deviation.
//
// A score whose eval key is already in past passes, as does any score
// without history. When either bound is NaN the check fails open.
func WithinInterval(score ledger.Score, past []ledger.Score, acceptableDeviation float64) (bool, Interval) {
	for _, p := range past {
		if p.EvalKey == score.EvalKey {
			return true, Interval{}
		}
	}
	if len(past) == 0 {
		return true, Interval{}
	}

	values := make([]float64, len(past))
	for i, p := range past {
		values[i] = p.Score
	}
	mean := stat.Mean(values, nil)
	margin := acceptableDeviation * Multiplier(len(values)+1) / 2

	iv := Interval{
		Computed:            true,
		Mean:                mean,
		Low:                 mean - margin,
		High:                mean + margin,
		AcceptableDeviation: acceptableDeviation,
	}
	if math.IsNaN(iv.Low) || math.IsNaN(iv.High) {
		return true, iv
	}
	return iv.Low <= score.Score && score.Score <= iv.High, iv
}

// Package verify scores in-sample model predictions against their targets
// and assembles the metrics and prediction tables.
package verify

import (
	"database/sql"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// minVariance treats columns whose spread is rounding noise as constant.
const minVariance = 1e-12

// Scores are aggregate errors over every window and parameter.
type Scores struct {
	MAE  float64
	MSE  float64
	RMSE float64
	R2   sql.NullFloat64
}

// Score compares pred with truth, both windows × parameters. MAE and MSE are
// averaged over every cell. R2 is the unweighted mean of the per-parameter
// coefficients of determination, skipping parameters whose true values are
// constant; it is invalid with fewer than two windows or when no parameter
// varies.
func Score(truth, pred [][]float64) (Scores, error) {
	if len(truth) != len(pred) {
		return Scores{}, fmt.Errorf("score: %d predictions for %d targets", len(pred), len(truth))
	}
	if len(truth) == 0 {
		return Scores{}, fmt.Errorf("score: no windows")
	}
	width := len(truth[0])
	for i := range truth {
		if len(truth[i]) != width || len(pred[i]) != width {
			return Scores{}, fmt.Errorf("score: row %d has %d/%d values, want %d", i, len(truth[i]), len(pred[i]), width)
		}
	}

	var absSum, sqSum float64
	for i := range truth {
		for j := range truth[i] {
			d := pred[i][j] - truth[i][j]
			absSum += math.Abs(d)
			sqSum += d * d
		}
	}
	cells := float64(len(truth) * width)

	s := Scores{
		MAE: absSum / cells,
		MSE: sqSum / cells,
	}
	s.RMSE = math.Sqrt(s.MSE)
	s.R2 = rSquared(truth, pred, width)
	return s, nil
}

func rSquared(truth, pred [][]float64, width int) sql.NullFloat64 {
	if len(truth) < 2 {
		return sql.NullFloat64{}
	}

	values := make([]float64, len(truth))
	estimates := make([]float64, len(truth))
	var sum float64
	var defined int
	for j := 0; j < width; j++ {
		for i := range truth {
			values[i] = truth[i][j]
			estimates[i] = pred[i][j]
		}
		if stat.Variance(values, nil) <= minVariance {
			continue
		}
		sum += stat.RSquaredFrom(estimates, values, nil)
		defined++
	}
	if defined == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: sum / float64(defined), Valid: true}
}

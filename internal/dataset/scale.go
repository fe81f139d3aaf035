package dataset

import (
	"gonum.org/v1/gonum/floats"
)

// Scaler holds per-column min-max parameters.
type Scaler struct {
	Min []float64
	Max []float64
}

// FitMinMax fits a scaler over every row of a table with width columns.
func FitMinMax(rows [][]float64, width int) *Scaler {
	s := &Scaler{
		Min: make([]float64, width),
		Max: make([]float64, width),
	}
	if len(rows) == 0 {
		return s
	}
	col := make([]float64, len(rows))
	for j := 0; j < width; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		s.Min[j] = floats.Min(col)
		s.Max[j] = floats.Max(col)
	}
	return s
}

// Transform returns row scaled to [0, 1]. Constant columns map to 0.
func (s *Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		span := s.Max[j] - s.Min[j]
		if span == 0 {
			continue
		}
		out[j] = (v - s.Min[j]) / span
	}
	return out
}

// Inverse maps scaled values back to original units. row may be shorter than
// the fitted width, in which case the leading columns are used.
func (s *Scaler) Inverse(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = v*(s.Max[j]-s.Min[j]) + s.Min[j]
	}
	return out
}

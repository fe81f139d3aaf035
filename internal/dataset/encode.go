// Package dataset turns a time-ordered table of readings into scaled feature
// matrices and supervised-learning windows.
package dataset

import (
	"database/sql"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/waterquality/internal/models"
)

// FeatureSet selects which columns feed the models.
type FeatureSet string

const (
	WaterOnly     FeatureSet = "water"
	WaterExternal FeatureSet = "water_external"
)

// Columns returns the feature column names in matrix order. The water
// parameters always come first so targets can be sliced from any matrix.
func (f FeatureSet) Columns() []string {
	cols := make([]string, 0, models.NumParameters+3)
	for _, p := range models.WaterParameters {
		cols = append(cols, string(p))
	}
	if f == WaterExternal {
		cols = append(cols, models.ColWeatherCondition, models.ColWindDirection, models.ColAirTemperature)
	}
	return cols
}

// Matrix is an imputed, min-max scaled feature table with one row per reading.
type Matrix struct {
	Set     FeatureSet
	Columns []string
	Rows    [][]float64
	Sites   []string
	Scaler  *Scaler
	// Labels maps a categorical column to its encoding; the index of a label
	// is its encoded value.
	Labels map[string][]string
}

// Targets returns the scaled water parameters of every row.
func (m *Matrix) Targets() [][]float64 {
	targets := make([][]float64, len(m.Rows))
	for i, row := range m.Rows {
		targets[i] = row[:models.NumParameters]
	}
	return targets
}

// Width is the number of feature columns.
func (m *Matrix) Width() int {
	return len(m.Columns)
}

// Encode builds the feature matrix for set. Missing values are imputed with the
// column mean over the whole table, then every column is min-max scaled with
// parameters fit on the whole table. readings is not modified.
func Encode(readings []models.Reading, set FeatureSet) *Matrix {
	m := &Matrix{
		Set:     set,
		Columns: set.Columns(),
		Rows:    make([][]float64, len(readings)),
		Sites:   make([]string, len(readings)),
		Labels:  make(map[string][]string),
	}

	var weather, wind map[string]float64
	if set == WaterExternal {
		var labels []string
		weather, labels = labelEncoder(readings, func(r models.Reading) (string, bool) {
			return r.WeatherCondition.String, r.WeatherCondition.Valid
		})
		m.Labels[models.ColWeatherCondition] = labels
		wind, labels = labelEncoder(readings, func(r models.Reading) (string, bool) {
			return r.WindDirection.String, r.WindDirection.Valid
		})
		m.Labels[models.ColWindDirection] = labels
	}

	for i, r := range readings {
		row := make([]float64, 0, len(m.Columns))
		for _, p := range models.WaterParameters {
			row = append(row, nullFloat(r.Value(p)))
		}
		if set == WaterExternal {
			row = append(row,
				lookupLabel(weather, r.WeatherCondition.String, r.WeatherCondition.Valid),
				lookupLabel(wind, r.WindDirection.String, r.WindDirection.Valid),
				nullFloat(r.AirTemperature),
			)
		}
		m.Rows[i] = row
		m.Sites[i] = r.SiteID
	}

	imputeMeans(m.Rows, len(m.Columns))
	m.Scaler = FitMinMax(m.Rows, len(m.Columns))
	for i, row := range m.Rows {
		m.Rows[i] = m.Scaler.Transform(row)
	}
	return m
}

func nullFloat(v sql.NullFloat64) float64 {
	if !v.Valid || math.IsInf(v.Float64, 0) {
		return math.NaN()
	}
	return v.Float64
}

// labelEncoder assigns sorted distinct labels consecutive codes.
func labelEncoder(readings []models.Reading, get func(models.Reading) (string, bool)) (map[string]float64, []string) {
	seen := make(map[string]bool)
	var labels []string
	for _, r := range readings {
		s, ok := get(r)
		if !ok || seen[s] {
			continue
		}
		seen[s] = true
		labels = append(labels, s)
	}
	sort.Strings(labels)

	codes := make(map[string]float64, len(labels))
	for i, l := range labels {
		codes[l] = float64(i)
	}
	return codes, labels
}

func lookupLabel(codes map[string]float64, s string, valid bool) float64 {
	if !valid {
		return math.NaN()
	}
	if c, ok := codes[s]; ok {
		return c
	}
	return math.NaN()
}

// imputeMeans replaces NaN cells in place with their column mean. A column
// with no observed values is filled with zero.
func imputeMeans(rows [][]float64, width int) {
	col := make([]float64, 0, len(rows))
	for j := 0; j < width; j++ {
		col = col[:0]
		for _, row := range rows {
			if !math.IsNaN(row[j]) {
				col = append(col, row[j])
			}
		}
		mean := 0.0
		if len(col) > 0 {
			mean = stat.Mean(col, nil)
		}
		for _, row := range rows {
			if math.IsNaN(row[j]) {
				row[j] = mean
			}
		}
	}
}

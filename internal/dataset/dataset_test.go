package dataset

import (
	"database/sql"
	"math"
	"testing"

	"github.com/lox/waterquality/internal/models"
)

func syntheticReadings(n int) []models.Reading {
	sites := []string{"TANAUAN", "TALISAY", "AYA"}
	weather := []string{"Sunny", "Cloudy", "Rainy"}
	wind := []string{"NE", "SW"}
	readings := make([]models.Reading, n)
	for i := range readings {
		r := models.Reading{SiteID: sites[i%len(sites)]}
		for j, p := range models.WaterParameters {
			r.SetValue(p, sql.NullFloat64{Float64: float64(i*(j+1)%17) + float64(j), Valid: true})
		}
		r.WeatherCondition = sql.NullString{String: weather[i%len(weather)], Valid: true}
		r.WindDirection = sql.NullString{String: wind[i%len(wind)], Valid: true}
		r.AirTemperature = sql.NullFloat64{Float64: 25 + float64(i%5), Valid: true}
		readings[i] = r
	}
	return readings
}

func TestBuildWindows_Count(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		windowLen int
		gap       int
		want      int
	}{
		{"gap 1", 20, 1, 1, 19},
		{"gap 4", 20, 1, 4, 16},
		{"gap leaves one window", 20, 1, 19, 1},
		{"gap equals rows", 20, 1, 20, 0},
		{"gap exceeds rows", 20, 1, 52, 0},
		{"zero gap", 20, 1, 0, 0},
		{"negative gap", 20, 1, -3, 0},
		{"window length 3", 20, 3, 2, 16},
		{"empty table", 0, 1, 1, 0},
		{"single row", 1, 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Encode(syntheticReadings(tt.rows), WaterOnly)
			w := BuildWindows(m.Rows, m.Targets(), m.Sites, tt.windowLen, tt.gap)
			if w.Len() != tt.want {
				t.Errorf("BuildWindows(n=%d, w=%d, g=%d) = %d windows, want %d", tt.rows, tt.windowLen, tt.gap, w.Len(), tt.want)
			}
			if len(w.Targets) != w.Len() || len(w.Sites) != w.Len() {
				t.Errorf("misaligned: %d inputs, %d targets, %d sites", w.Len(), len(w.Targets), len(w.Sites))
			}
		})
	}
}

func TestBuildWindows_Alignment(t *testing.T) {
	features := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	targets := [][]float64{{10}, {11}, {12}, {13}, {14}, {15}}
	sites := []string{"A", "B", "C", "D", "E", "F"}

	w := BuildWindows(features, targets, sites, 2, 3)
	if w.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", w.Len())
	}
	// Window starting at row 0 covers rows 0-1 and targets row 0+2+3-1 = 4.
	if w.Inputs[0][0][0] != 0 || w.Inputs[0][1][0] != 1 {
		t.Errorf("Inputs[0] = %v, want [[0] [1]]", w.Inputs[0])
	}
	if w.Targets[0][0] != 14 {
		t.Errorf("Targets[0] = %v, want [14]", w.Targets[0])
	}
	if w.Targets[1][0] != 15 {
		t.Errorf("Targets[1] = %v, want [15]", w.Targets[1])
	}
	if w.Sites[0] != "A" || w.Sites[1] != "B" {
		t.Errorf("Sites = %v, want [A B]", w.Sites)
	}

	features[0][0] = 99
	if w.Inputs[0][0][0] != 0 {
		t.Error("windows should not alias the feature table")
	}
}

func TestEncode_ScaledRange(t *testing.T) {
	readings := syntheticReadings(30)
	for _, set := range []FeatureSet{WaterOnly, WaterExternal} {
		m := Encode(readings, set)
		if m.Width() != len(set.Columns()) {
			t.Fatalf("%s: Width() = %d, want %d", set, m.Width(), len(set.Columns()))
		}
		for i, row := range m.Rows {
			for j, v := range row {
				if math.IsNaN(v) || v < 0 || v > 1 {
					t.Fatalf("%s: Rows[%d][%d] = %v, want value in [0, 1]", set, i, j, v)
				}
			}
		}
	}
}

func TestEncode_ConstantColumn(t *testing.T) {
	readings := syntheticReadings(10)
	for i := range readings {
		readings[i].PH = sql.NullFloat64{Float64: 7.2, Valid: true}
	}

	m := Encode(readings, WaterOnly)
	col := 3 // ph
	for i, row := range m.Rows {
		v := row[col]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("Rows[%d][ph] = %v, want finite", i, v)
		}
		if v != 0 {
			t.Errorf("Rows[%d][ph] = %v, want 0 for a constant column", i, v)
		}
	}
}

func TestEncode_ImputesColumnMean(t *testing.T) {
	readings := []models.Reading{
		{SiteID: "A", Ammonia: sql.NullFloat64{Float64: 1, Valid: true}},
		{SiteID: "A"},
		{SiteID: "A", Ammonia: sql.NullFloat64{Float64: 3, Valid: true}},
	}

	m := Encode(readings, WaterOnly)
	col := 4 // ammonia
	// Imputed mean 2 sits halfway between min 1 and max 3.
	if got := m.Rows[1][col]; got != 0.5 {
		t.Errorf("imputed ammonia = %v, want 0.5", got)
	}
	if readings[1].Ammonia.Valid {
		t.Error("Encode must not modify its input")
	}
	// Column with no values at all is imputed with 0 and stays finite.
	if got := m.Rows[0][0]; got != 0 {
		t.Errorf("empty column = %v, want 0", got)
	}
}

func TestEncode_LabelEncoding(t *testing.T) {
	readings := []models.Reading{
		{SiteID: "A", WeatherCondition: sql.NullString{String: "Sunny", Valid: true}},
		{SiteID: "A", WeatherCondition: sql.NullString{String: "Cloudy", Valid: true}},
		{SiteID: "A", WeatherCondition: sql.NullString{String: "Rainy", Valid: true}},
	}

	m := Encode(readings, WaterExternal)
	labels := m.Labels[models.ColWeatherCondition]
	want := []string{"Cloudy", "Rainy", "Sunny"}
	if len(labels) != len(want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("labels[%d] = %q, want %q", i, labels[i], want[i])
		}
	}

	col := models.NumParameters // weather_condition
	if got := m.Rows[0][col]; got != 1 {
		t.Errorf("Sunny scaled = %v, want 1", got)
	}
	if got := m.Rows[1][col]; got != 0 {
		t.Errorf("Cloudy scaled = %v, want 0", got)
	}
}

func TestScaler_Inverse(t *testing.T) {
	rows := [][]float64{{2, 10}, {4, 20}, {6, 30}}
	s := FitMinMax(rows, 2)
	scaled := s.Transform([]float64{5, 25})
	back := s.Inverse(scaled)
	if math.Abs(back[0]-5) > 1e-9 || math.Abs(back[1]-25) > 1e-9 {
		t.Errorf("Inverse(Transform(x)) = %v, want [5 25]", back)
	}

	short := s.Inverse([]float64{1})
	if len(short) != 1 || short[0] != 6 {
		t.Errorf("Inverse([1]) = %v, want [6]", short)
	}
}

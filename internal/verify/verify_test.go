package verify

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"math"
	"strings"
	"testing"

	"github.com/lox/waterquality/internal/models"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore(t *testing.T) {
	truth := [][]float64{{1, 2}, {2, 4}, {3, 6}}
	pred := [][]float64{{1, 3}, {2, 4}, {4, 6}}

	s, err := Score(truth, pred)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// Absolute errors: 0,1,0,0,1,0 over six cells.
	if !approx(s.MAE, 2.0/6) {
		t.Errorf("MAE = %v, want %v", s.MAE, 2.0/6)
	}
	if !approx(s.MSE, 2.0/6) {
		t.Errorf("MSE = %v, want %v", s.MSE, 2.0/6)
	}
	if !approx(s.RMSE, math.Sqrt(2.0/6)) {
		t.Errorf("RMSE = %v, want %v", s.RMSE, math.Sqrt(2.0/6))
	}
	// Column 0: 1 - 1/2 = 0.5. Column 1: 1 - 1/8 = 0.875.
	if !s.R2.Valid || !approx(s.R2.Float64, (0.5+0.875)/2) {
		t.Errorf("R2 = %+v, want %v", s.R2, (0.5+0.875)/2)
	}
}

func TestScore_PerfectPrediction(t *testing.T) {
	truth := [][]float64{{1, 5}, {2, 6}, {3, 7}}
	s, err := Score(truth, truth)
	if err != nil {
		t.Fatal(err)
	}
	if s.MAE != 0 || s.MSE != 0 || s.RMSE != 0 {
		t.Errorf("errors = %v/%v/%v, want 0", s.MAE, s.MSE, s.RMSE)
	}
	if !s.R2.Valid || s.R2.Float64 != 1 {
		t.Errorf("R2 = %+v, want 1", s.R2)
	}
}

func TestScore_UndefinedR2(t *testing.T) {
	tests := []struct {
		name  string
		truth [][]float64
		pred  [][]float64
	}{
		{"single window", [][]float64{{1, 2}}, [][]float64{{1.5, 2.5}}},
		{"single window exact", [][]float64{{1, 2}}, [][]float64{{1, 2}}},
		{"constant targets", [][]float64{{1, 2}, {1, 2}, {1, 2}}, [][]float64{{1, 2}, {0, 3}, {1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Score(tt.truth, tt.pred)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if s.R2.Valid {
				t.Errorf("R2 = %v, want missing", s.R2.Float64)
			}
			if math.IsNaN(s.MAE) || math.IsNaN(s.MSE) {
				t.Errorf("MAE/MSE = %v/%v, want finite", s.MAE, s.MSE)
			}
		})
	}
}

func TestScore_SkipsConstantColumn(t *testing.T) {
	truth := [][]float64{{1, 5}, {2, 5}, {3, 5}}
	pred := [][]float64{{1, 9}, {2, 0}, {3, 5}}
	s, err := Score(truth, pred)
	if err != nil {
		t.Fatal(err)
	}
	if !s.R2.Valid || s.R2.Float64 != 1 {
		t.Errorf("R2 = %+v, want 1 from the varying column only", s.R2)
	}
}

func TestScore_ShapeMismatch(t *testing.T) {
	if _, err := Score([][]float64{{1}}, [][]float64{{1}, {2}}); err == nil {
		t.Error("Score with row mismatch = nil, want error")
	}
	if _, err := Score([][]float64{{1, 2}}, [][]float64{{1}}); err == nil {
		t.Error("Score with column mismatch = nil, want error")
	}
	if _, err := Score(nil, nil); err == nil {
		t.Error("Score with no windows = nil, want error")
	}
}

func TestPredictionRows(t *testing.T) {
	preds := make([][]float64, 3)
	for i := range preds {
		preds[i] = make([]float64, models.NumParameters)
		preds[i][0] = float64(i)
	}
	rows, err := PredictionRows("LSTM", "Next Week", []string{"AYA", "TALISAY", "AYA"}, preds)
	if err != nil {
		t.Fatalf("PredictionRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	if rows[1].Site != "TALISAY" || rows[1].Model != "LSTM" || rows[1].Horizon != "Next Week" {
		t.Errorf("rows[1] = %+v", rows[1])
	}
	if rows[2].Pred(models.SurfaceTemp) != 2 {
		t.Errorf("rows[2] surface_temp = %v, want 2", rows[2].Pred(models.SurfaceTemp))
	}

	preds[2][0] = 99
	if rows[2].Values[0] != 2 {
		t.Error("prediction rows should copy their values")
	}

	if _, err := PredictionRows("LSTM", "Next Week", []string{"AYA"}, preds); err == nil {
		t.Error("PredictionRows with site mismatch = nil, want error")
	}
	if _, err := PredictionRows("LSTM", "Next Week", []string{"AYA"}, [][]float64{{1, 2}}); err == nil {
		t.Error("PredictionRows with wrong width = nil, want error")
	}
}

func TestWiden(t *testing.T) {
	horizons := []string{"Next Week", "Next Month", "Next Year"}
	rows := []models.MetricsRow{
		{Model: "CNN", Horizon: "Next Week", MAE: 0.1, MSE: 0.01, RMSE: 0.1, R2: sql.NullFloat64{Float64: 0.9, Valid: true}},
		{Model: "LSTM", Horizon: "Next Week", MAE: 0.2, MSE: 0.04, RMSE: 0.2},
		{Model: "CNN", Horizon: "Next Month", MAE: 0.3, MSE: 0.09, RMSE: 0.3, R2: sql.NullFloat64{Float64: 0.5, Valid: true}},
	}

	wide := Widen(rows, horizons, nil)
	if len(wide.Columns) != 12 {
		t.Fatalf("len(Columns) = %d, want 12", len(wide.Columns))
	}
	if wide.Columns[0] != "Final MAE - Next Week" || wide.Columns[11] != "R2 Score - Next Year" {
		t.Errorf("Columns = %v", wide.Columns)
	}
	if len(wide.Rows) != 2 || wide.Rows[0].Model != "CNN" || wide.Rows[1].Model != "LSTM" {
		t.Fatalf("Rows = %+v, want CNN then LSTM", wide.Rows)
	}

	tests := []struct {
		model, column string
		want          float64
		valid         bool
	}{
		{"CNN", "Final MAE - Next Week", 0.1, true},
		{"CNN", "R2 Score - Next Month", 0.5, true},
		{"CNN", "Final RMSE - Next Year", 0, false},
		{"LSTM", "R2 Score - Next Week", 0, false},
		{"LSTM", "Final MSE - Next Week", 0.04, true},
	}
	for _, tt := range tests {
		got, ok := wide.Value(tt.model, tt.column)
		if !ok {
			t.Errorf("Value(%s, %s) not found", tt.model, tt.column)
			continue
		}
		if got.Valid != tt.valid || (tt.valid && !approx(got.Float64, tt.want)) {
			t.Errorf("Value(%s, %s) = %+v, want %v (valid=%v)", tt.model, tt.column, got, tt.want, tt.valid)
		}
	}
}

func TestWiden_Order(t *testing.T) {
	order := []string{"CNN", "CNN + External", "LSTM"}
	rows := []models.MetricsRow{
		{Model: "LSTM", Horizon: "Next Week", MAE: 0.2},
		{Model: "Baseline", Horizon: "Next Week", MAE: 0.4},
		{Model: "CNN", Horizon: "Next Month", MAE: 0.1},
		{Model: "LSTM", Horizon: "Next Month", MAE: 0.3},
	}

	wide := Widen(rows, []string{"Next Week", "Next Month"}, order)
	var got []string
	for _, r := range wide.Rows {
		got = append(got, r.Model)
	}
	if strings.Join(got, ",") != "CNN,LSTM,Baseline" {
		t.Errorf("row order = %v, want CNN,LSTM,Baseline", got)
	}
	if v, _ := wide.Value("CNN", "Final MAE - Next Week"); v.Valid {
		t.Errorf("CNN Next Week MAE = %+v, want missing", v)
	}
	if v, _ := wide.Value("LSTM", "Final MAE - Next Month"); !v.Valid || !approx(v.Float64, 0.3) {
		t.Errorf("LSTM Next Month MAE = %+v, want 0.3", v)
	}
}

func TestWriteMetricsCSV(t *testing.T) {
	wide := Widen([]models.MetricsRow{
		{Model: "CNN", Horizon: "Next Week", MAE: 0.5, MSE: 0.25, RMSE: 0.5},
	}, []string{"Next Week"}, nil)

	var buf bytes.Buffer
	if err := WriteMetricsCSV(&buf, wide); err != nil {
		t.Fatalf("WriteMetricsCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"model", "Final MAE - Next Week", "Final MSE - Next Week", "Final RMSE - Next Week", "R2 Score - Next Week"}
	if strings.Join(records[0], "|") != strings.Join(want, "|") {
		t.Errorf("header = %v, want %v", records[0], want)
	}
	if got := strings.Join(records[1], "|"); got != "CNN|0.5|0.25|0.5|" {
		t.Errorf("row = %q, want CNN|0.5|0.25|0.5|", got)
	}
}

func TestWritePredictionsCSV(t *testing.T) {
	values := make([]float64, models.NumParameters)
	values[3] = 7.5
	values[4] = math.NaN()
	var buf bytes.Buffer
	err := WritePredictionsCSV(&buf, []models.PredictionRow{{Site: "AYA", Model: "CNN", Horizon: "Next Year", Values: values}})
	if err != nil {
		t.Fatalf("WritePredictionsCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	header := records[0]
	if header[0] != "pred_surface_temp" || header[len(header)-1] != "horizon" {
		t.Errorf("header = %v", header)
	}
	if records[1][3] != "7.5" || records[1][4] != "" || records[1][10] != "AYA" {
		t.Errorf("row = %v", records[1])
	}
}

package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/waterquality/internal/forecast"
	"github.com/lox/waterquality/internal/ingest"
	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/nn"
	"github.com/lox/waterquality/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// writeReadingsCSV writes n weekly readings rotating across three sites.
func writeReadingsCSV(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("site_id,sampled_at")
	for _, p := range models.WaterParameters {
		b.WriteString("," + string(p))
	}
	b.WriteString(",weather_condition,wind_direction,air_temperature\n")

	sites := []string{"TANAUAN", "TALISAY", "AYA"}
	start := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s,%s", sites[i%3], start.AddDate(0, 0, 7*i).Format("2006-01-02"))
		for j := range models.WaterParameters {
			fmt.Fprintf(&b, ",%.3f", float64(j+1)+math.Sin(float64(i+j)/3))
		}
		fmt.Fprintf(&b, ",%s,%s,%d\n", []string{"Sunny", "Cloudy"}[i%2], "NE", 26+i%5)
	}

	path := filepath.Join(t.TempDir(), "taal.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// persistence predicts the water parameters of the first timestep.
type persistence struct{}

func (persistence) Fit(ctx context.Context, x *nn.Tensor, y [][]float64) error { return ctx.Err() }

func (persistence) Predict(x *nn.Tensor) ([][]float64, error) {
	out := make([][]float64, x.Len())
	for i := range out {
		out[i] = append([]float64(nil), x.Sample(i)[:models.NumParameters]...)
	}
	return out, nil
}

type broken struct{}

func (broken) Fit(context.Context, *nn.Tensor, [][]float64) error { return errors.New("diverged") }
func (broken) Predict(*nn.Tensor) ([][]float64, error)             { return nil, errors.New("diverged") }

func testJob(t *testing.T, s *store.Store, source string, model nn.Regressor) *ForecastJob {
	t.Helper()
	cfg := forecast.DefaultConfig()
	cfg.Horizons = []models.Horizon{{Label: "Next Week", Gap: 1}, {Label: "Next Month", Gap: 4}}
	p := forecast.NewPipeline(cfg)
	p.Runner().NewModel = func(forecast.Architecture, nn.Config) (nn.Regressor, error) { return model, nil }
	return NewForecastJob(s, ingest.NewImporter(s, nil, time.UTC), p, source)
}

func TestForecastJob_Run(t *testing.T) {
	s := setupTestStore(t)
	job := testJob(t, s, writeReadingsCSV(t, 20), persistence{})

	out, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Run.ReadingCount != 20 || out.Run.VariantsOK != 12 || out.Run.VariantsFailed != 0 {
		t.Errorf("run = %+v", out.Run)
	}

	latest, err := s.GetLatestRun()
	if err != nil || latest == nil {
		t.Fatalf("GetLatestRun = %+v, %v", latest, err)
	}
	if latest.ID != out.Run.ID || !latest.Success {
		t.Errorf("latest = %+v, want successful run %s", latest, out.Run.ID)
	}
	if strings.Join(latest.Horizons, ",") != "Next Week,Next Month" {
		t.Errorf("latest.Horizons = %v, want [Next Week Next Month]", latest.Horizons)
	}

	metrics, err := s.GetRunMetrics(latest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 12 {
		t.Errorf("len(metrics) = %d, want 12", len(metrics))
	}
	preds, err := s.GetRunPredictions(latest.ID, store.PredictionFilter{Horizon: "Next Week"})
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 6*19 {
		t.Errorf("Next Week predictions = %d, want %d", len(preds), 6*19)
	}
}

func TestForecastJob_NoReadings(t *testing.T) {
	s := setupTestStore(t)
	job := testJob(t, s, "", persistence{})
	if _, err := job.Run(context.Background()); !errors.Is(err, ErrNoReadings) {
		t.Errorf("Run = %v, want ErrNoReadings", err)
	}
}

func TestForecastJob_ImportFailureUsesStoredReadings(t *testing.T) {
	s := setupTestStore(t)
	path := writeReadingsCSV(t, 12)
	if _, err := ingest.NewImporter(s, nil, time.UTC).Import(context.Background(), path); err != nil {
		t.Fatal(err)
	}

	job := testJob(t, s, filepath.Join(t.TempDir(), "gone.csv"), persistence{})
	out, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Run.ReadingCount != 12 {
		t.Errorf("ReadingCount = %d, want 12", out.Run.ReadingCount)
	}
}

func TestForecastJob_AllVariantsFail(t *testing.T) {
	s := setupTestStore(t)
	job := testJob(t, s, writeReadingsCSV(t, 20), broken{})

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("Run = nil error, want error")
	}
	latest, err := s.GetLatestRun()
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Errorf("GetLatestRun = %+v, want no successful run", latest)
	}
}

type blockingJob struct {
	started chan struct{}
	release chan struct{}
	runs    atomic.Int32
}

func (b *blockingJob) Run(ctx context.Context) (*Outcome, error) {
	b.runs.Add(1)
	close(b.started)
	<-b.release
	return nil, nil
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	job := &blockingJob{started: make(chan struct{}), release: make(chan struct{})}
	sched := New(job, nil, "@every 1h")

	done := make(chan bool)
	go func() { done <- sched.Trigger(context.Background()) }()
	<-job.started

	if sched.Trigger(context.Background()) {
		t.Error("overlapping Trigger ran, want skip")
	}
	close(job.release)
	if !<-done {
		t.Error("first Trigger did not run")
	}
	if job.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", job.runs.Load())
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	sched := New(&blockingJob{}, nil, "every tuesday")
	if err := sched.Run(context.Background()); err == nil {
		t.Error("Run with invalid spec = nil error, want error")
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	s := setupTestStore(t)
	sched := New(&blockingJob{}, s, "@daily")
	sched.SetPayloadRetention(30)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sched.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

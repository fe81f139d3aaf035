package forecast

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/waterquality/internal/dataset"
	"github.com/lox/waterquality/internal/metrics"
	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/nn"
)

// degenerateStdDev is the spread below which a parameter's predictions are
// considered constant.
const degenerateStdDev = 1e-6

// ModelFactory builds the regressor for one variant run.
type ModelFactory func(arch Architecture, cfg nn.Config) (nn.Regressor, error)

// Runner fits and predicts one variant at a time.
type Runner struct {
	Config   nn.Config
	NewModel ModelFactory
}

func NewRunner(cfg nn.Config) *Runner {
	return &Runner{Config: cfg, NewModel: NewModel}
}

// VariantResult is the in-sample output of one variant.
type VariantResult struct {
	Variant     Variant
	Horizon     string
	Predictions [][]float64 // windows × parameters, scaled
	Degenerate  bool
	Duration    time.Duration
}

// Run reshapes w for v's architecture, fits a fresh model on it and predicts
// over the same windows. Panics raised while training are returned as errors.
func (r *Runner) Run(ctx context.Context, v Variant, horizon string, w *dataset.Windows) (res *VariantResult, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Printf("forecast: %s %s panicked: %v\n%s", v, horizon, p, debug.Stack())
			res, err = nil, fmt.Errorf("run %s: panic: %v", v, p)
		}
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case res.Degenerate:
			outcome = "degenerate"
		}
		metrics.VariantRunsTotal.WithLabelValues(v.Name(), horizon, outcome).Inc()
		metrics.VariantTrainingLatency.WithLabelValues(v.Name()).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x, err := Reshape(v.Arch, w)
	if err != nil {
		return nil, err
	}

	factory := r.NewModel
	if factory == nil {
		factory = NewModel
	}
	model, err := factory(v.Arch, r.Config)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", v, err)
	}
	if err := model.Fit(ctx, x, w.Targets); err != nil {
		return nil, fmt.Errorf("fit %s: %w", v, err)
	}
	preds, err := model.Predict(x)
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", v, err)
	}
	if err := checkPredictions(preds, w.Len()); err != nil {
		return nil, fmt.Errorf("run %s: %w", v, err)
	}

	res = &VariantResult{
		Variant:     v,
		Horizon:     horizon,
		Predictions: preds,
		Degenerate:  IsDegenerate(preds),
		Duration:    time.Since(start),
	}
	if res.Degenerate {
		log.Printf("forecast: %s %s predictions are near-constant for every parameter", v, horizon)
		metrics.DegenerateOutputsTotal.WithLabelValues(v.Name(), horizon).Inc()
	}
	return res, nil
}

func checkPredictions(preds [][]float64, windows int) error {
	if len(preds) != windows {
		return fmt.Errorf("got %d predictions for %d windows", len(preds), windows)
	}
	for i, p := range preds {
		if len(p) != models.NumParameters {
			return fmt.Errorf("prediction %d has %d values, want %d", i, len(p), models.NumParameters)
		}
	}
	return nil
}

// IsDegenerate reports whether every output column of preds has a population
// standard deviation below degenerateStdDev. A single window has no spread to
// judge and is never degenerate.
func IsDegenerate(preds [][]float64) bool {
	if len(preds) < 2 {
		return false
	}
	col := make([]float64, len(preds))
	for j := range preds[0] {
		for i := range preds {
			col[i] = preds[i][j]
		}
		if stat.PopStdDev(col, nil) >= degenerateStdDev {
			return false
		}
	}
	return true
}

// Package forecast trains the model variants over windowed readings for each
// forecast horizon and aggregates their in-sample scores and predictions.
package forecast

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/waterquality/internal/dataset"
	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/nn"
	"github.com/lox/waterquality/internal/verify"
)

type Config struct {
	Horizons     []models.Horizon
	WindowLength int
	Workers      int
	Model        nn.Config
}

func DefaultConfig() Config {
	return Config{
		Horizons:     models.DefaultHorizons,
		WindowLength: 1,
		Workers:      runtime.GOMAXPROCS(0),
		Model:        nn.DefaultConfig(),
	}
}

type Pipeline struct {
	cfg    Config
	runner *Runner
}

// Labels returns the horizon labels in configured order.
func (c Config) Labels() []string {
	labels := make([]string, len(c.Horizons))
	for i, h := range c.Horizons {
		labels[i] = h.Label
	}
	return labels
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pipeline{cfg: cfg, runner: NewRunner(cfg.Model)}
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// Runner exposes the variant runner so callers can swap the model factory.
func (p *Pipeline) Runner() *Runner {
	return p.runner
}

// Failure records a variant that was skipped for one horizon.
type Failure struct {
	Variant string
	Horizon string
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Variant, f.Horizon, f.Err)
}

// Result holds the two output tables of a pipeline run. Metrics and
// Predictions are ordered by horizon, then variant, then window.
type Result struct {
	Metrics     []models.MetricsRow
	Wide        *verify.WideTable
	Predictions []models.PredictionRow
	Failures    []Failure
	Degenerate  []Failure
	// Windows is the window count per horizon label.
	Windows  map[string]int
	Readings int
	Duration time.Duration
}

// VariantsOK counts successful variant runs across all horizons.
func (r *Result) VariantsOK() int {
	return len(r.Metrics)
}

// Run encodes readings once per feature set, then for each horizon builds
// windows and runs every variant. A failing variant is logged, recorded in
// Failures and left out of the tables. A horizon without windows is skipped.
// Only context cancellation aborts the run.
func (p *Pipeline) Run(ctx context.Context, readings []models.Reading) (*Result, error) {
	start := time.Now()
	res := &Result{
		Windows:  make(map[string]int),
		Readings: len(readings),
	}

	matrices := map[dataset.FeatureSet]*dataset.Matrix{
		dataset.WaterOnly:     dataset.Encode(readings, dataset.WaterOnly),
		dataset.WaterExternal: dataset.Encode(readings, dataset.WaterExternal),
	}

	for _, h := range p.cfg.Horizons {
		windows := make(map[dataset.FeatureSet]*dataset.Windows, len(matrices))
		for set, m := range matrices {
			windows[set] = dataset.BuildWindows(m.Rows, m.Targets(), m.Sites, p.cfg.WindowLength, h.Gap)
		}
		n := windows[dataset.WaterOnly].Len()
		res.Windows[h.Label] = n
		if n == 0 {
			log.Printf("pipeline: %s: no windows for gap %d over %d readings, skipping", h.Label, h.Gap, len(readings))
			continue
		}
		log.Printf("pipeline: %s: %d windows (gap %d, length %d)", h.Label, n, h.Gap, p.cfg.WindowLength)

		results, errs := p.runVariants(ctx, h.Label, windows)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run pipeline: %w", err)
		}

		for i, v := range Variants {
			if errs[i] != nil {
				log.Printf("pipeline: %s %s failed: %v", v, h.Label, errs[i])
				res.Failures = append(res.Failures, Failure{Variant: v.Name(), Horizon: h.Label, Err: errs[i]})
				continue
			}
			if err := p.aggregate(res, results[i], windows[v.Features], matrices[v.Features].Scaler); err != nil {
				log.Printf("pipeline: %s %s failed: %v", v, h.Label, err)
				res.Failures = append(res.Failures, Failure{Variant: v.Name(), Horizon: h.Label, Err: err})
			}
		}
	}

	res.Wide = verify.Widen(res.Metrics, p.cfg.Labels(), VariantNames())
	res.Duration = time.Since(start)
	log.Printf("pipeline: completed %d variant runs, %d failed, %d prediction rows in %v",
		len(res.Metrics), len(res.Failures), len(res.Predictions), res.Duration.Round(time.Millisecond))
	return res, nil
}

// runVariants runs every variant concurrently with at most cfg.Workers in
// flight. Results are indexed by position in Variants.
func (p *Pipeline) runVariants(ctx context.Context, horizon string, windows map[dataset.FeatureSet]*dataset.Windows) ([]*VariantResult, []error) {
	results := make([]*VariantResult, len(Variants))
	errs := make([]error, len(Variants))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, v := range Variants {
		g.Go(func() error {
			results[i], errs[i] = p.runner.Run(ctx, v, horizon, windows[v.Features])
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (p *Pipeline) aggregate(res *Result, vr *VariantResult, w *dataset.Windows, scaler *dataset.Scaler) error {
	name := vr.Variant.Name()
	scores, err := verify.Score(w.Targets, vr.Predictions)
	if err != nil {
		return err
	}

	original := make([][]float64, len(vr.Predictions))
	for i, pred := range vr.Predictions {
		original[i] = scaler.Inverse(pred)
	}
	rows, err := verify.PredictionRows(name, vr.Horizon, w.Sites, original)
	if err != nil {
		return err
	}

	res.Metrics = append(res.Metrics, verify.MetricsRow(name, vr.Horizon, scores))
	res.Predictions = append(res.Predictions, rows...)
	if vr.Degenerate {
		res.Degenerate = append(res.Degenerate, Failure{Variant: name, Horizon: vr.Horizon, Err: fmt.Errorf("near-constant predictions")})
	}
	return nil
}

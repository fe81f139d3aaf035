package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/lox/waterquality/internal/forecast"
	"github.com/lox/waterquality/internal/ingest"
	"github.com/lox/waterquality/internal/metrics"
	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/narrative"
	"github.com/lox/waterquality/internal/store"
)

// ErrNoReadings is returned when there is nothing to forecast from.
var ErrNoReadings = errors.New("no readings stored")

// Outcome is a persisted pipeline run and its tables.
type Outcome struct {
	Run    *models.PipelineRun
	Result *forecast.Result
}

// ForecastJob refreshes readings from a source, runs the pipeline over every
// stored reading and persists the result.
type ForecastJob struct {
	store      *store.Store
	importer   *ingest.Importer
	pipeline   *forecast.Pipeline
	summarizer *narrative.Summarizer
	source     string
}

func NewForecastJob(s *store.Store, importer *ingest.Importer, pipeline *forecast.Pipeline, source string) *ForecastJob {
	return &ForecastJob{
		store:    s,
		importer: importer,
		pipeline: pipeline,
		source:   source,
	}
}

// SetSummarizer enables a narrative summary on each successful run.
func (j *ForecastJob) SetSummarizer(s *narrative.Summarizer) {
	j.summarizer = s
}

func (j *ForecastJob) Run(ctx context.Context) (*Outcome, error) {
	if j.source != "" && j.importer != nil {
		if _, err := j.importer.Import(ctx, j.source); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("scheduler: import %s: %v, continuing with stored readings", j.source, err)
		}
	}

	readings, err := j.store.GetReadings()
	if err != nil {
		return nil, fmt.Errorf("get readings: %w", err)
	}
	if len(readings) == 0 {
		return nil, ErrNoReadings
	}

	cfg := j.pipeline.Config()
	run, err := j.store.StartPipelineRun(j.source, cfg.WindowLength, cfg.Model.Epochs, cfg.Model.Seed)
	if err != nil {
		return nil, fmt.Errorf("start pipeline run: %w", err)
	}
	run.ReadingCount = len(readings)
	run.Horizons = cfg.Labels()
	log.Printf("scheduler: pipeline run %s over %d readings", run.ID, len(readings))

	res, err := j.pipeline.Run(ctx, readings)
	if err == nil && len(res.Metrics) == 0 {
		err = errors.New("no variant produced results")
	}
	if err != nil {
		j.fail(run, err)
		return nil, fmt.Errorf("pipeline run %s: %w", run.ID, err)
	}

	if err := j.store.SaveRunResult(run.ID, res.Metrics, res.Predictions); err != nil {
		j.fail(run, err)
		return nil, fmt.Errorf("save run %s: %w", run.ID, err)
	}

	if j.summarizer != nil {
		summary, err := j.summarizer.Summarize(ctx, res.Wide)
		if err != nil {
			log.Printf("scheduler: summarize run %s: %v", run.ID, err)
		} else {
			run.Summary = sql.NullString{String: summary, Valid: true}
		}
	}

	run.VariantsOK = res.VariantsOK()
	run.VariantsFailed = len(res.Failures)
	run.Success = true
	if err := j.store.CompletePipelineRun(run); err != nil {
		return nil, fmt.Errorf("complete pipeline run %s: %w", run.ID, err)
	}
	metrics.PipelineRunsTotal.WithLabelValues("ok").Inc()
	log.Printf("scheduler: pipeline run %s stored %d metrics rows and %d predictions",
		run.ID, len(res.Metrics), len(res.Predictions))

	return &Outcome{Run: run, Result: res}, nil
}

func (j *ForecastJob) fail(run *models.PipelineRun, err error) {
	metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
	run.Success = false
	run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	if cerr := j.store.CompletePipelineRun(run); cerr != nil {
		log.Printf("scheduler: complete pipeline run %s: %v", run.ID, cerr)
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/lox/waterquality/internal/api"
	"github.com/lox/waterquality/internal/forecast"
	"github.com/lox/waterquality/internal/httputil"
	"github.com/lox/waterquality/internal/ingest"
	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/narrative"
	"github.com/lox/waterquality/internal/scheduler"
	"github.com/lox/waterquality/internal/store"
	"github.com/lox/waterquality/internal/verify"
)

var defaultSites = []models.Site{
	{SiteID: "TANAUAN", Name: "Tanauan", Active: true},
	{SiteID: "TALISAY", Name: "Talisay", Active: true},
	{SiteID: "AYA", Name: "Aya", Active: true},
	{SiteID: "TUMAWAY", Name: "Tumaway", Active: true},
	{SiteID: "SAMPALOC", Name: "Sampaloc", Active: true},
	{SiteID: "BERINAYAN", Name: "Berinayan", Active: true},
	{SiteID: "BALAKILONG", Name: "Balakilong", Active: true},
	{SiteID: "BUSO-BUSO", Name: "Buso-Buso", Active: true},
	{SiteID: "BAÑAGA", Name: "Bañaga", Active: true},
	{SiteID: "BILIBINWANG", Name: "Bilibinwang", Active: true},
	{SiteID: "SUBIC-ILAYA", Name: "Subic-Ilaya", Active: true},
	{SiteID: "SAN NICOLAS", Name: "San Nicolas", Active: true},
}

// Globals are shared by every command.
type Globals struct {
	DB       string `kong:"name=db,env=WQ_DB,default='data/waterquality.db',help='Path to SQLite database'"`
	Timezone string `kong:"env=WQ_TIMEZONE,default='Asia/Manila',help='Timezone for sample timestamps without an offset'"`
}

// PipelineFlags tune the forecasting pipeline.
type PipelineFlags struct {
	WeekGap      int     `kong:"default='1',help='Row gap for the Next Week horizon'"`
	MonthGap     int     `kong:"default='4',help='Row gap for the Next Month horizon'"`
	YearGap      int     `kong:"default='52',help='Row gap for the Next Year horizon'"`
	Window       int     `kong:"default='1',help='Input window length in rows'"`
	Epochs       int     `kong:"env=WQ_EPOCHS,default='50',help='Training epochs per variant'"`
	Seed         int64   `kong:"env=WQ_SEED,default='42',help='Random seed for weight init and shuffling'"`
	Workers      int     `kong:"default='0',help='Variants trained concurrently (0 = GOMAXPROCS)'"`
	LearningRate float64 `kong:"name=lr,default='0.005',help='Adam learning rate'"`
	Hidden       int     `kong:"default='32',help='LSTM hidden units'"`
	Filters      int     `kong:"default='16',help='Convolution filters'"`
	Kernel       int     `kong:"default='2',help='Convolution kernel size'"`
}

func (f PipelineFlags) config() forecast.Config {
	cfg := forecast.DefaultConfig()
	cfg.Horizons = []models.Horizon{
		{Label: "Next Week", Gap: f.WeekGap},
		{Label: "Next Month", Gap: f.MonthGap},
		{Label: "Next Year", Gap: f.YearGap},
	}
	cfg.WindowLength = f.Window
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	cfg.Model.Epochs = f.Epochs
	cfg.Model.Seed = f.Seed
	cfg.Model.LearningRate = f.LearningRate
	cfg.Model.Hidden = f.Hidden
	cfg.Model.Filters = f.Filters
	cfg.Model.KernelSize = f.Kernel
	return cfg
}

type CLI struct {
	Globals

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file'"`

	Import ImportCmd `kong:"cmd,help='Import readings from a source into the store'"`
	Run    RunCmd    `kong:"cmd,help='Run the forecasting pipeline and write metrics and predictions'"`
	Serve  ServeCmd  `kong:"cmd,help='Serve the API and re-run the pipeline on a schedule'"`
	Sites  SitesCmd  `kong:"cmd,help='List monitoring sites'"`
}

type ImportCmd struct {
	Source string `kong:"env=WQ_SOURCE,xor='from',help='Path, file://, http(s):// or ftp:// URL of a readings CSV'"`
	Replay int64  `kong:"xor='from',help='Re-load a stored raw payload by id instead of fetching'"`
}

func (c *ImportCmd) Run(ctx context.Context, app *App) error {
	var (
		res *ingest.ImportResult
		err error
	)
	switch {
	case c.Replay > 0:
		res, err = app.importer().Replay(c.Replay)
	case c.Source != "":
		res, err = app.importer().Import(ctx, c.Source)
	default:
		return errors.New("one of --source or --replay is required")
	}
	if err != nil {
		return err
	}
	if res.Unchanged {
		log.Printf("import: %s unchanged since last import", c.Source)
		return nil
	}
	log.Printf("import: parsed %d, stored %d, flagged %d, %d parse errors",
		res.Parsed, res.Stored, res.Flagged, len(res.ParseErrors))
	return nil
}

type RunCmd struct {
	PipelineFlags

	Source  string `kong:"env=WQ_SOURCE,help='Import this source before running'"`
	OutDir  string `kong:"default='.',help='Directory for metrics.csv and predictions.csv'"`
	NoStore bool   `kong:"help='Forecast straight from --source without storing readings or results'"`
}

func (c *RunCmd) Run(ctx context.Context, app *App) error {
	if c.NoStore {
		return c.runOnce(ctx, app)
	}

	job := scheduler.NewForecastJob(app.store, app.importer(), forecast.NewPipeline(c.config()), c.Source)
	if s := newSummarizer(); s != nil {
		job.SetSummarizer(s)
	}

	out, err := job.Run(ctx)
	if err != nil {
		return err
	}
	if err := c.write(out.Result); err != nil {
		return err
	}
	log.Printf("run %s: %d variants ok, %d failed, %d degenerate in %s", out.Run.ID, out.Result.VariantsOK(),
		len(out.Result.Failures), len(out.Result.Degenerate), out.Result.Duration.Round(time.Millisecond))
	if out.Run.Summary.Valid {
		fmt.Println(out.Run.Summary.String)
	}
	return nil
}

func (c *RunCmd) runOnce(ctx context.Context, app *App) error {
	if c.Source == "" {
		return errors.New("--no-store needs --source")
	}
	readings, err := ingest.Load(ctx, c.Source, httputil.NewClient(httputil.DefaultTimeout), app.loc)
	if err != nil {
		return err
	}
	res, err := forecast.NewPipeline(c.config()).Run(ctx, readings)
	if err != nil {
		return err
	}
	if err := c.write(res); err != nil {
		return err
	}
	log.Printf("run: %d variants ok, %d failed, %d degenerate in %s",
		res.VariantsOK(), len(res.Failures), len(res.Degenerate), res.Duration.Round(time.Millisecond))
	return nil
}

func (c *RunCmd) write(res *forecast.Result) error {
	for _, f := range res.Failures {
		log.Printf("run: skipped %v", f)
	}
	if err := os.MkdirAll(c.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeFile(filepath.Join(c.OutDir, "metrics.csv"), func(f *os.File) error {
		return verify.WriteMetricsCSV(f, res.Wide)
	}); err != nil {
		return err
	}
	return writeFile(filepath.Join(c.OutDir, "predictions.csv"), func(f *os.File) error {
		return verify.WritePredictionsCSV(f, res.Predictions)
	})
}

type ServeCmd struct {
	PipelineFlags

	Port                 string `kong:"env=WQ_PORT,default='8080',help='HTTP server port'"`
	Source               string `kong:"env=WQ_SOURCE,help='Source to re-import before each scheduled run'"`
	Schedule             string `kong:"env=WQ_SCHEDULE,help='Cron schedule for pipeline runs, e.g. @daily (empty disables)'"`
	PayloadRetentionDays int    `kong:"default='90',help='Days to keep raw import payloads'"`
}

func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	server := api.NewServer(app.store, c.Port)
	g, ctx := errgroup.WithContext(ctx)

	if c.Schedule != "" {
		job := scheduler.NewForecastJob(app.store, app.importer(), forecast.NewPipeline(c.config()), c.Source)
		if s := newSummarizer(); s != nil {
			job.SetSummarizer(s)
		}
		sched := scheduler.New(job, app.store, c.Schedule)
		sched.SetPayloadRetention(c.PayloadRetentionDays)
		g.Go(func() error { return sched.Run(ctx) })
	} else {
		log.Println("scheduling disabled (no --schedule)")
	}

	log.Printf("starting server on :%s", c.Port)
	g.Go(func() error { return server.Run(ctx) })
	return g.Wait()
}

type SitesCmd struct{}

func (c *SitesCmd) Run(app *App) error {
	sites, err := app.store.GetActiveSites()
	if err != nil {
		return err
	}
	counts, err := app.store.CountReadingsBySite()
	if err != nil {
		return err
	}
	byID := make(map[string]int, len(counts))
	for _, n := range counts {
		byID[n.SiteID] = n.Count
	}
	for _, s := range sites {
		fmt.Printf("%-12s %-14s %6d readings\n", s.SiteID, s.Name, byID[s.SiteID])
	}
	return nil
}

// App holds the opened store and settings shared by commands.
type App struct {
	store *store.Store
	loc   *time.Location
}

func (a *App) importer() *ingest.Importer {
	return ingest.NewImporter(a.store, httputil.NewClient(httputil.DefaultTimeout), a.loc)
}

func newSummarizer() *narrative.Summarizer {
	s, err := narrative.NewFromEnv(os.Getenv("WQ_NARRATIVE_MODEL"))
	if errors.Is(err, narrative.ErrNoAPIKey) {
		log.Println("narrative summaries disabled (OPENAI_API_KEY not set)")
		return nil
	}
	if err != nil {
		log.Printf("narrative: %v", err)
		return nil
	}
	return s
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	log.Printf("wrote %s", path)
	return nil
}

func openStore(g Globals) (*store.Store, *sql.DB, error) {
	if dir := filepath.Dir(g.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	for _, site := range defaultSites {
		if err := st.UpsertSite(site); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("upsert site %s: %w", site.SiteID, err)
		}
	}
	return st, db, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("waterquality"),
		kong.Description("Lake water-quality forecasting with CNN, LSTM and CNN-LSTM models."),
		kong.UsageOnError(),
	)

	loc, err := time.LoadLocation(cli.Timezone)
	if err != nil {
		log.Printf("Warning: could not load %s timezone, using UTC: %v", cli.Timezone, err)
		loc = time.UTC
	}

	st, db, err := openStore(cli.Globals)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&App{store: st, loc: loc}); err != nil {
		log.Fatalf("%s: %v", kctx.Command(), err)
	}
}

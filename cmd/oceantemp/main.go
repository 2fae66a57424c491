package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cenkalti/backoff/v4"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/bluesphere/oceantemp/internal/api"
	"github.com/bluesphere/oceantemp/internal/config"
	"github.com/bluesphere/oceantemp/internal/forecast"
	"github.com/bluesphere/oceantemp/internal/ingest"
	"github.com/bluesphere/oceantemp/internal/jobs"
	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
	"github.com/bluesphere/oceantemp/internal/temporal"
)

type cli struct {
	config.Config `embed:""`

	Serve     serveCmd     `cmd:"" default:"withargs" help:"Run the API server, scheduler, and Kafka consumer."`
	Migrate   migrateCmd   `cmd:"" help:"Apply schema migrations and exit."`
	Aggregate aggregateCmd `cmd:"" help:"Recompute roll-ups for one period and exit."`
	Baselines baselinesCmd `cmd:"" help:"Rebuild climatological baselines and exit."`
	Anomalies anomaliesCmd `cmd:"" help:"Recompute anomalies for a window and exit."`
	Heatwaves heatwavesCmd `cmd:"" help:"Re-run heatwave detection for a window and exit."`
	Validate  validateCmd  `cmd:"" help:"Run rolling-origin model validation and exit."`
	Import    importCmd    `cmd:"" help:"Import NDJSON observation files and exit."`
	Rejected  rejectedCmd  `cmd:"" help:"Inspect the dead-letter archive of dropped ingest payloads."`
	Prune     pruneCmd     `cmd:"" help:"Delete old raw observations and archived rejects."`
}

func main() {
	var app cli
	kctx := kong.Parse(&app,
		kong.Name("oceantemp"),
		kong.Description("Ocean temperature analytics: roll-ups, climatology, anomalies, marine heatwaves, and forecasts."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
	)

	rt, err := newRuntime(&app.Config)
	kctx.FatalIfErrorf(err)
	defer rt.Close()

	kctx.FatalIfErrorf(kctx.Run(rt))
}

// runtime is the shared state behind every subcommand: an open,
// migrated store plus the parsed default baseline.
type runtime struct {
	cfg      *config.Config
	db       *sql.DB
	store    *store.Store
	baseline models.BaselinePeriod
}

func newRuntime(cfg *config.Config) (*runtime, error) {
	db, err := sql.Open("sqlite", cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	baseline, err := cfg.BaselinePeriod()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, db: db, store: st, baseline: baseline}, nil
}

func (rt *runtime) Close() { rt.db.Close() }

func (rt *runtime) registry() (*forecast.Registry, error) {
	registry := forecast.NewRegistry()
	if err := registry.LoadFromStore(rt.store); err != nil {
		return nil, fmt.Errorf("load model registry: %w", err)
	}
	return registry, nil
}

// scheduler wires the job pipeline. The configured baseline drives the
// climatology, anomaly, and heatwave periods so batch jobs and API
// queries agree on the default.
func (rt *runtime) scheduler(registry *forecast.Registry, cache jobs.CacheInvalidator) *jobs.Scheduler {
	bcfg := temporal.DefaultBaselineConfig()
	bcfg.Period = rt.baseline
	acfg := temporal.DefaultAnomalyConfig()
	acfg.Period = rt.baseline
	hcfg := temporal.DefaultHeatwaveConfig()
	hcfg.Period = rt.baseline

	return jobs.NewScheduler(
		jobs.NewRunner(rt.store),
		temporal.NewAggregator(rt.store, temporal.DefaultAggregateConfig()),
		temporal.NewBaselineBuilder(rt.store, bcfg),
		temporal.NewAnomalyCalculator(rt.store, acfg),
		temporal.NewHeatwaveDetector(rt.store, hcfg),
		forecast.NewValidator(rt.store, registry, forecast.DefaultValidatorConfig()),
		cache,
		rt.cfg.Schedule.Jobs(),
	)
}

// trigger runs one job to completion through the scheduler so one-shot
// invocations land in job_runs like their scheduled counterparts.
func (rt *runtime) trigger(ctx context.Context, job string, start, end time.Time) error {
	registry, err := rt.registry()
	if err != nil {
		return err
	}
	period, err := rt.scheduler(registry, nil).Trigger(ctx, job, start, end)
	if err != nil {
		return fmt.Errorf("%s %s: %w", job, period, err)
	}
	log.Printf("%s %s: done", job, period)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseDateFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func parseWindowFlags(start, end string) (time.Time, time.Time, error) {
	if (start == "") != (end == "") {
		return time.Time{}, time.Time{}, fmt.Errorf("--start and --end must be provided together")
	}
	s, err := parseDateFlag(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := parseDateFlag(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !s.IsZero() && e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end precedes --start")
	}
	return s, e, nil
}

type serveCmd struct{}

func (serveCmd) Run(rt *runtime) error {
	ctx, cancel := signalContext()
	defer cancel()

	registry, err := rt.registry()
	if err != nil {
		return err
	}
	engine := forecast.NewEngine(rt.store, registry, forecast.DefaultEngineConfig())
	cache := api.NewCache()
	sched := rt.scheduler(registry, cache)
	server := api.NewServer(rt.store, engine, registry, sched, cache, rt.cfg.Port, rt.baseline)

	if rt.cfg.Kafka.Enabled() {
		go consumeForever(ctx, rt, cancel)
	} else {
		log.Println("kafka disabled (no brokers configured)")
	}

	go func() {
		if err := sched.Run(ctx); err != nil {
			log.Printf("scheduler: %v", err)
			cancel()
		}
	}()

	log.Printf("starting server on :%s", rt.cfg.Port)
	return server.Run(ctx)
}

// consumeForever keeps the Kafka consumer alive across transport and
// storage failures. Each attempt builds a fresh reader; the committed
// group offset carries continuity across restarts.
func consumeForever(ctx context.Context, rt *runtime, cancel context.CancelFunc) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	op := func() error {
		return ingest.NewConsumer(rt.cfg.Kafka.Consumer(), rt.store).Run(ctx)
	}
	notify := func(err error, next time.Duration) {
		log.Printf("ingest: %v (restarting in %s)", err, next.Round(time.Second))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil && ctx.Err() == nil {
		log.Printf("ingest: consumer stopped: %v", err)
		cancel()
	}
}

type migrateCmd struct{}

// Migrations apply on startup for every command; this reports where the
// schema landed.
func (migrateCmd) Run(rt *runtime) error {
	v, err := rt.store.MigrationVersion()
	if err != nil {
		return err
	}
	log.Printf("schema at version %d", v)
	return nil
}

type aggregateCmd struct {
	Resolution string `arg:"" optional:"" default:"daily" enum:"daily,monthly,yearly" help:"Roll-up resolution."`
	Date       string `help:"UTC date anchoring the period (YYYY-MM-DD). Defaults to the current period."`
}

func (c aggregateCmd) Run(rt *runtime) error {
	ctx, cancel := signalContext()
	defer cancel()

	anchor, err := parseDateFlag(c.Date)
	if err != nil {
		return err
	}
	job := map[string]string{
		models.ResolutionDaily:   jobs.JobAggregateDaily,
		models.ResolutionMonthly: jobs.JobAggregateMonthly,
		models.ResolutionYearly:  jobs.JobAggregateYearly,
	}[c.Resolution]
	return rt.trigger(ctx, job, anchor, anchor)
}

type baselinesCmd struct{}

func (baselinesCmd) Run(rt *runtime) error {
	ctx, cancel := signalContext()
	defer cancel()
	return rt.trigger(ctx, jobs.JobCalculateBaselines, time.Time{}, time.Time{})
}

type anomaliesCmd struct {
	Start string `help:"Window start (YYYY-MM-DD). Defaults with --end to the trailing 90 days."`
	End   string `help:"Window end, exclusive (YYYY-MM-DD)."`
}

func (c anomaliesCmd) Run(rt *runtime) error {
	ctx, cancel := signalContext()
	defer cancel()

	start, end, err := parseWindowFlags(c.Start, c.End)
	if err != nil {
		return err
	}
	return rt.trigger(ctx, jobs.JobCalculateAnomalies, start, end)
}

type heatwavesCmd struct {
	Start string `help:"Window start (YYYY-MM-DD). Defaults with --end to the trailing 365 days."`
	End   string `help:"Window end, exclusive (YYYY-MM-DD)."`
}

func (c heatwavesCmd) Run(rt *runtime) error {
	ctx, cancel := signalContext()
	defer cancel()

	start, end, err := parseWindowFlags(c.Start, c.End)
	if err != nil {
		return err
	}
	return rt.trigger(ctx, jobs.JobDetectHeatwaves, start, end)
}

type validateCmd struct{}

func (validateCmd) Run(rt *runtime) error {
	ctx, cancel := signalContext()
	defer cancel()
	return rt.trigger(ctx, jobs.JobValidateModels, time.Time{}, time.Time{})
}

type importCmd struct {
	Paths []string `arg:"" type:"existingfile" help:"NDJSON tuple files."`
}

func (c importCmd) Run(rt *runtime) error {
	ctx, cancel := signalContext()
	defer cancel()

	im := ingest.NewImporter(rt.store)
	for _, path := range c.Paths {
		stats, err := im.ImportFile(ctx, path)
		if err != nil {
			return err
		}
		log.Printf("import %s: %s", path, stats)
	}
	return nil
}

type rejectedCmd struct {
	Limit int   `help:"Newest entries to list." default:"20"`
	Show  int64 `help:"Print the decompressed payload of one entry and exit." placeholder:"ID"`
}

func (c rejectedCmd) Run(rt *runtime) error {
	if c.Show != 0 {
		payload, err := rt.store.GetRejectedPayload(c.Show)
		if err != nil {
			return fmt.Errorf("rejected %d: %w", c.Show, err)
		}
		fmt.Println(string(payload))
		return nil
	}

	stats, err := rt.store.GetRejectedStats()
	if err != nil {
		return err
	}
	fmt.Printf("archived: %d", stats.Total)
	for reason, n := range stats.ByReason {
		fmt.Printf("  %s=%d", reason, n)
	}
	fmt.Println()

	tuples, err := rt.store.RecentRejected(c.Limit)
	if err != nil {
		return err
	}
	for _, t := range tuples {
		key := "-"
		if t.Key.Valid {
			key = t.Key.String
		}
		fmt.Printf("%-6d %s  %-12s %-16s %s\n",
			t.ID, t.ReceivedAt.UTC().Format(time.RFC3339), t.Source, t.Reason, key)
	}
	return nil
}

type pruneCmd struct {
	KeepDays         int `help:"Raw observations older than this many days are deleted. 0 keeps everything." default:"0"`
	KeepRejectedDays int `help:"Archived rejects older than this many days are deleted. 0 keeps everything." default:"30"`
}

func (c pruneCmd) Run(rt *runtime) error {
	now := time.Now().UTC()
	if c.KeepDays > 0 {
		n, err := rt.store.PruneObservations(now.AddDate(0, 0, -c.KeepDays))
		if err != nil {
			return fmt.Errorf("prune observations: %w", err)
		}
		log.Printf("pruned %d observations older than %d days", n, c.KeepDays)
	}
	if c.KeepRejectedDays > 0 {
		n, err := rt.store.PruneRejected(now.AddDate(0, 0, -c.KeepRejectedDays))
		if err != nil {
			return fmt.Errorf("prune rejected: %w", err)
		}
		log.Printf("pruned %d archived rejects older than %d days", n, c.KeepRejectedDays)
	}
	return nil
}

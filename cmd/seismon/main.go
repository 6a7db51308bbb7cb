package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"seismon/internal/api"
	"seismon/internal/catalog"
	"seismon/internal/config"
	"seismon/internal/engine"
	"seismon/internal/events"
	"seismon/internal/feed"
	"seismon/internal/logging"
	"seismon/internal/metrics"
	"seismon/internal/model"
	"seismon/internal/response"
	"seismon/internal/selection"
	"seismon/internal/storage"
)

var version = "dev"

const defaultConfigPath = "seismon.yaml"

const usage = `seismon - real-time seismic waveform aggregator

Usage:
  seismon config init --config <path>
  seismon validate --config <path>
  seismon catalog --config <path> [--all]
  seismon select --config <path> [--out <file>]
  seismon run --config <path> [--selection <file>] [--replay <file>]
  seismon replay --config <path> --in <file> [--speed 1] [--loop]
  seismon metrics --config <path> --station NET.STA
  seismon version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	var err error
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "config":
		err = handleConfig(os.Args[2:])
	case "validate":
		err = handleValidate(os.Args[2:])
	case "catalog":
		err = handleCatalog(os.Args[2:])
	case "select":
		err = handleSelect(os.Args[2:])
	case "run":
		err = handleRun(os.Args[2:])
	case "replay":
		err = handleReplay(os.Args[2:])
	case "metrics":
		err = handleMetrics(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "seismon %s: %v\n", cmd, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, model.ErrConfiguration):
		return 3
	case errors.Is(err, model.ErrCatalogRefresh):
		return 4
	default:
		return 1
	}
}

func handleConfig(args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return fmt.Errorf("config subcommand required (init): %w", model.ErrConfiguration)
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	configPath := fs.String("config", "seismon.yaml", "path to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args[1:])

	if _, err := os.Stat(*configPath); err == nil && !*force {
		return fmt.Errorf("%s exists, use --force to overwrite", *configPath)
	}
	if err := config.Save(*configPath, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *configPath)
	return nil
}

func handleValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	inv, err := response.LoadInventory(cfg.ResponsePaths())
	if err != nil {
		return fmt.Errorf("%v: %w", err, model.ErrConfiguration)
	}
	for st := range cfg.ResponsePaths() {
		fmt.Printf("%-12s %s\n", st, inv.Path(st))
	}
	fmt.Println("config ok")
	return nil
}

func handleCatalog(args []string) error {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON config")
	all := fs.Bool("all", false, "list every channel, not only selectable ones")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat := newCatalog(cfg, catalog.Options{Logger: logger})
	recs, err := cat.Refresh(ctx)
	if err != nil {
		return err
	}
	if !*all {
		recs = cat.Selectable()
	}
	printCatalog(os.Stdout, recs)
	return nil
}

func printCatalog(w io.Writer, recs []model.ChannelRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NET\tSTA\tLOC\tCHA\tTYPE\tSTART\tEND\tSTATUS")
	for _, r := range recs {
		end := "-"
		if !r.EndTime.IsZero() {
			end = r.EndTime.Format(time.RFC3339)
		}
		loc := r.Location
		if loc == "" {
			loc = "--"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Network, r.Station, loc, r.Channel, r.Type, r.StartTime.Format(time.RFC3339), end, r.Status)
	}
	_ = tw.Flush()
}

// handleMetrics prints the last persisted metric update of one station.
func handleMetrics(args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON config")
	stationFlag := fs.String("station", "", "station as NET.STA")
	_ = fs.Parse(args)

	station, err := config.ParseStation(*stationFlag)
	if err != nil {
		return fmt.Errorf("--station: %v: %w", err, model.ErrConfiguration)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Storage.Enabled {
		return fmt.Errorf("storage is disabled: %w", model.ErrConfiguration)
	}
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %v: %w", err, model.ErrConfiguration)
	}
	defer store.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	snap, ok, err := store.LatestMetrics(ctx, station)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s: no metrics recorded\n", station)
		return nil
	}
	printMetrics(os.Stdout, station, snap)
	return nil
}

func printMetrics(w io.Writer, station model.StationKey, snap model.MetricSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tVEL\tDISP\tACC\tUPDATED")
	fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%s\n", station, snap.VelocityPeak, snap.DisplacementPeak,
		snap.AccelerationPeak, snap.LastUpdate.Format(time.RFC3339))
	_ = tw.Flush()
}

// handleSelect builds a selection from the live catalog and the configured
// response files and prints its transcript for a later `run --selection`.
func handleSelect(args []string) error {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON config")
	out := fs.String("out", "", "write the transcript here instead of stdout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat := newCatalog(cfg, catalog.Options{Logger: logger})
	recs, err := cat.Refresh(ctx)
	if err != nil {
		return err
	}
	set, err := selection.Build(recs, cfg.ResponsePaths(), selection.BuildOptions{VerticalCodes: cfg.Catalog.VerticalCodes})
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err = selection.Handoff(ctx, set, nil, selection.HandoffOptions{Transcript: w, Logger: logger})
	return err
}

func handleRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML or JSON config")
	selectionPath := fs.String("selection", "", "selection transcript; default builds one from the catalog")
	replayPath := fs.String("replay", "", "with feed.driver mem, play this packet file into the session")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		path = defaultConfigPath
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return fmt.Errorf("load config: %v: %w", err, model.ErrConfiguration)
	}
	cfg := mgr.Get()
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewWithLevel(level, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	set, err := app.selection(ctx, cfg, *selectionPath)
	if err != nil {
		return err
	}
	inv, err := loadResponses(set, cfg.Session.AllowMissingResponse, logger)
	if err != nil {
		return err
	}
	agg, err := app.aggregator(cfg, inv)
	if err != nil {
		return err
	}

	launcher := selection.LauncherFunc(agg.Subscribe)
	if _, err := selection.Handoff(ctx, set, launcher, selection.HandoffOptions{Events: app.events, Logger: logger}); err != nil {
		return err
	}

	if *replayPath != "" {
		if app.broker == nil {
			return fmt.Errorf("--replay needs feed.driver mem: %w", model.ErrConfiguration)
		}
		go func() {
			if err := replayFile(ctx, app.broker, *replayPath, 1, true, logger); err != nil {
				logger.Error("replay failed", "err", err)
			}
		}()
	}

	deps := api.Deps{
		Config:  mgr,
		Session: agg,
		Catalog: app.catalog,
		Events:  app.events,
		Metrics: app.metrics,
		Version: version,
	}
	if app.broker != nil {
		deps.Ingest = app.broker
	}
	api.Start(ctx, deps, logger)

	go mgr.Watch(ctx, 3*time.Second, func(prev, next *config.Config) {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("config reloaded", "log_level", next.LogLevel, "reloads", mgr.Reloads())
		if sections := config.RestartRequired(prev, next); len(sections) > 0 {
			logger.Warn("config changes apply after restart", "sections", sections)
		}
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	})

	<-ctx.Done()
	logger.Info("shutting down")
	return agg.Teardown()
}

// app bundles the ambient services shared by every session.
type app struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Store
	store   storage.Store
	catalog *catalog.Catalog
	broker  *feed.Broker
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		logger:  logger,
		metrics: metrics.New(),
		events:  events.NewStore(cfg.Events.StoreLimit),
	}
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %v: %w", err, model.ErrConfiguration)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("storage init: %w", err)
		}
		a.store = store
		a.events.Persist(store, logger)
	}
	opts := catalog.Options{Events: a.events, Metrics: a.metrics, Logger: logger}
	if a.store != nil {
		opts.Store = a.store
	}
	a.catalog = newCatalog(cfg, opts)
	if a.store != nil {
		if recs, err := a.store.Catalog(ctx); err != nil {
			logger.Warn("persisted catalog unavailable", "err", err)
		} else if a.catalog.Seed(recs, time.Now().UTC(), cfg.Catalog.Grace) {
			logger.Info("catalog seeded from storage", "channels", len(recs))
		}
	}
	if strings.EqualFold(cfg.Feed.Driver, "mem") {
		a.broker = feed.NewBroker(cfg.Session.ChannelBuffer)
	}
	return a, nil
}

func (a *app) close() {
	a.events.Close()
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// selection loads the transcript at path, or builds a selection from a fresh
// catalog. A catalog without selectable channels yields an empty selection so
// the session still starts, inert.
func (a *app) selection(ctx context.Context, cfg *config.Config, path string) (*selection.Set, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read selection: %v: %w", err, model.ErrConfiguration)
		}
		return selection.Parse(data)
	}
	recs, err := a.catalog.Refresh(ctx)
	if err != nil {
		recs = a.catalog.Records()
		if len(recs) == 0 {
			return nil, err
		}
		a.logger.Warn("catalog refresh failed, using retained listing", "channels", len(recs), "err", err)
	}
	if len(catalog.Selectable(recs, cfg.Catalog.VerticalCodes)) == 0 {
		a.logger.Warn("catalog has no selectable channels, starting an empty session")
		return selection.Empty(), nil
	}
	return selection.Build(recs, cfg.ResponsePaths(), selection.BuildOptions{VerticalCodes: cfg.Catalog.VerticalCodes})
}

func (a *app) aggregator(cfg *config.Config, inv *response.Inventory) (*engine.Aggregator, error) {
	sess, err := engine.SessionFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	f, err := feed.New(cfg.Feed, a.broker, a.logger)
	if err != nil {
		return nil, err
	}
	opts := engine.Options{
		Logger:  a.logger,
		Metrics: a.metrics,
		Events:  a.events,
	}
	if a.store != nil {
		opts.Store = a.store
	}
	return engine.New(sess, inv, f, opts)
}

func newCatalog(cfg *config.Config, opts catalog.Options) *catalog.Catalog {
	if len(opts.VerticalCodes) == 0 {
		opts.VerticalCodes = cfg.Catalog.VerticalCodes
	}
	src := catalog.CommandSource{
		Binary:  cfg.Server.Slinktool,
		Server:  cfg.Server.Host,
		Grace:   cfg.Catalog.Grace,
		Timeout: cfg.Server.QueryTimeout,
	}
	return catalog.New(src, opts)
}

// loadResponses reads the StationXML of every selected station. Unless missing
// metadata is allowed, any unreadable file aborts the run.
func loadResponses(set *selection.Set, allowMissing bool, logger *slog.Logger) (*response.Inventory, error) {
	if !allowMissing {
		inv, err := response.LoadInventory(set.ResponsePaths())
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, model.ErrConfiguration)
		}
		return inv, nil
	}
	inv, errs := response.LoadEach(set.ResponsePaths())
	for _, err := range errs {
		logger.Warn("response metadata unavailable, station runs degraded", "err", err)
	}
	return inv, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %v: %w", err, model.ErrConfiguration)
	}
	return cfg, nil
}

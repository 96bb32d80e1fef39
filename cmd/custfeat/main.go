package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/docopt/docopt.go"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/TFMV/custfeat/config"
	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/features"
	custflight "github.com/TFMV/custfeat/flight"
	"github.com/TFMV/custfeat/identity"
	"github.com/TFMV/custfeat/storage"
)

const version = "custfeat 0.1.0"

const usage = `Customer feature builder.

Builds the per-customer RFM feature table from the Olist marketplace tables.

Usage:
  custfeat build [--data=<dir>] [--start=<date>] [--end=<date>] [--features=<list>] [--categories=<file>] [--out=<file>] [--parallel] [--align-items] [--trace]
  custfeat describe [--data=<dir>] [--start=<date>] [--end=<date>] [--features=<list>] [--categories=<file>] [--parallel] [--align-items]
  custfeat snapshot --to=<dir> [--data=<dir>]
  custfeat serve [--data=<dir>] [--addr=<addr>] [--metrics-addr=<addr>] [--categories=<file>] [--parallel] [--trace]
  custfeat (-h | --help)
  custfeat --version

Options:
  -h --help               Show this screen.
  --version               Show version.
  --data=<dir>            Directory or gs://bucket/prefix holding the raw tables.
  --start=<date>          Exclusive window start, e.g. 2017-01-01.
  --end=<date>            Inclusive window end, e.g. 2018-01-01.
  --features=<list>       Comma separated feature groups, or "all".
  --categories=<file>     Mother category rollup YAML.
  --out=<file>            Output file; .arrow writes Arrow IPC, anything else CSV. Defaults to stdout.
  --parallel              Compute feature groups concurrently.
  --align-items           Join items and reviews through the windowed orders only.
  --trace                 Print OpenTelemetry spans to stderr.
  --to=<dir>              Snapshot directory.
  --addr=<addr>           Flight listen address.
  --metrics-addr=<addr>   Prometheus listen address.

Settings not given as flags are read from CUSTFEAT_* environment variables.
`

func main() {
	arguments, err := docopt.ParseArgs(usage, nil, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(arguments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if trace, _ := arguments.Bool("--trace"); trace {
		shutdown, err := installTracer()
		if err != nil {
			logger.Fatal("Failed to install tracer", zap.Error(err))
		}
		defer shutdown()
	}

	app := &app{cfg: cfg, logger: logger, args: arguments}
	switch {
	case flag(arguments, "build"):
		err = app.build(ctx)
	case flag(arguments, "describe"):
		err = app.describe(ctx)
	case flag(arguments, "snapshot"):
		err = app.snapshot(ctx)
	case flag(arguments, "serve"):
		err = app.serve(ctx)
	}
	if err != nil {
		logger.Error("Command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func flag(args docopt.Opts, name string) bool {
	v, _ := args.Bool(name)
	return v
}

// loadConfig reads the environment and lets flags override it.
func loadConfig(args docopt.Opts) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	for opt, field := range map[string]*string{
		"--data":         &cfg.DataDir,
		"--start":        &cfg.WindowStart,
		"--end":          &cfg.WindowEnd,
		"--features":     &cfg.Features,
		"--categories":   &cfg.Categories,
		"--addr":         &cfg.FlightAddr,
		"--metrics-addr": &cfg.MetricsAddr,
	} {
		if v, ok := args[opt].(string); ok {
			*field = v
		}
	}
	cfg.Parallel = cfg.Parallel || flag(args, "--parallel")
	cfg.AlignItems = cfg.AlignItems || flag(args, "--align-items")
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func installTracer() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

// ---------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	args   docopt.Opts
}

func (a *app) load(ctx context.Context) (*db.Store, error) {
	src, err := storage.Open(ctx, a.cfg.DataDir, a.cfg.GCSCredentials, a.logger)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	store, err := storage.NewLoader(src, db.Pool, a.logger).Load(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Loaded tables", zap.Stringer("store", store))
	return store, nil
}

func (a *app) buildTable(ctx context.Context, store *db.Store) (*features.Table, error) {
	rollup, err := config.LoadRollup(a.cfg.Categories)
	if err != nil {
		return nil, err
	}
	window, err := a.cfg.Window()
	if err != nil {
		return nil, err
	}
	fs, err := a.cfg.FeatureList()
	if err != nil {
		return nil, err
	}
	return features.NewBuilder(store, rollup,
		features.WithLogger(a.logger),
		features.WithWindow(window),
		features.WithFeatures(fs...),
		features.WithParallel(a.cfg.Parallel),
		features.WithAlignItemsToWindow(a.cfg.AlignItems),
		features.WithResolver(identity.NewResolver(db.Pool, a.cfg.IdentityCacheSize)),
	).Build(ctx)
}

func (a *app) build(ctx context.Context) error {
	store, err := a.load(ctx)
	if err != nil {
		return err
	}
	defer store.Release()

	table, err := a.buildTable(ctx, store)
	if err != nil {
		return err
	}
	rec := table.Record(db.Pool)
	defer rec.Release()

	out, _ := a.args["--out"].(string)
	if out == "" {
		return storage.ExportCSV(os.Stdout, rec)
	}
	file, err := os.Create(out)
	if err != nil {
		return err
	}
	if filepath.Ext(out) == ".arrow" {
		err = storage.WriteIPC(file, db.Pool, rec)
	} else {
		err = storage.ExportCSV(file, rec)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		a.logger.Info("Wrote feature table", zap.String("path", out), zap.Int64("rows", rec.NumRows()))
	}
	return err
}

func (a *app) describe(ctx context.Context) error {
	store, err := a.load(ctx)
	if err != nil {
		return err
	}
	defer store.Release()

	table, err := a.buildTable(ctx, store)
	if err != nil {
		return err
	}
	w := newSummaryWriter(os.Stdout)
	if err := features.RenderColumns(table, w); err != nil {
		return err
	}
	return w.Flush()
}

func (a *app) snapshot(ctx context.Context) error {
	store, err := a.load(ctx)
	if err != nil {
		return err
	}
	defer store.Release()

	to, _ := a.args["--to"].(string)
	if err := storage.Snapshot(store, to, db.Pool); err != nil {
		return err
	}
	a.logger.Info("Wrote snapshot", zap.String("dir", to), zap.Strings("tables", store.Names()))
	return nil
}

func (a *app) serve(ctx context.Context) error {
	store, err := a.load(ctx)
	if err != nil {
		return err
	}
	defer store.Release()

	rollup, err := config.LoadRollup(a.cfg.Categories)
	if err != nil {
		return err
	}

	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(a.cfg.FlightAddr); err != nil {
		return err
	}
	srv.RegisterFlightService(custflight.NewFeatureService(store, rollup, identity.NewResolver(db.Pool, a.cfg.IdentityCacheSize), a.logger, a.cfg.Parallel))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metrics := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("Serving flight", zap.Stringer("addr", srv.Addr()))
		errCh <- srv.Serve()
	}()
	go func() {
		a.logger.Info("Serving metrics", zap.String("addr", a.cfg.MetricsAddr))
		if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down", zap.Error(ctx.Err()))
	case err = <-errCh:
	}
	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	return err
}

// ---------------------------------------------------------------------
// describe output
// ---------------------------------------------------------------------

// summaryWriter renders one summary row per feature column.
type summaryWriter struct {
	table *tablewriter.Table
}

func newSummaryWriter(w io.Writer) *summaryWriter {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"feature", "count", "mean", "std", "min", "median", "max"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetHeaderAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator("")
	return &summaryWriter{table: table}
}

func (s *summaryWriter) RenderSeries(name string, values []float64) error {
	d := features.Describe(values)
	row := []string{name, strconv.Itoa(d.Count)}
	for _, v := range []float64{d.Mean, d.Std, d.Min, d.Median, d.Max} {
		row = append(row, strconv.FormatFloat(v, 'f', 3, 64))
	}
	s.table.Append(row)
	return nil
}

// Flush writes the table.
func (s *summaryWriter) Flush() error {
	s.table.Render()
	return nil
}

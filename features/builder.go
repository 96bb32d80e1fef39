package features

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/custfeat/category"
	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/identity"
	"github.com/TFMV/custfeat/query"
)

// ---------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------

var (
	aggregationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custfeat_aggregation_duration_seconds",
		Help:    "Time spent computing a feature group",
		Buckets: prometheus.DefBuckets,
	}, []string{"feature"})

	aggregationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custfeat_aggregation_errors_total",
		Help: "Feature group computations that failed",
	}, []string{"feature"})

	windowRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "custfeat_window_rows",
		Help:    "Orders inside the build window",
		Buckets: prometheus.ExponentialBuckets(1, 10, 8),
	})
)

func init() {
	prometheus.MustRegister(aggregationDuration, aggregationErrors, windowRows)
}

var tracer = otel.Tracer("github.com/TFMV/custfeat/features")

// ---------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the builder's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithWindow restricts the order-derived features to w.
func WithWindow(w query.Window) Option {
	return func(b *Builder) { b.window = w }
}

// WithFeatures selects the feature groups to compute. Output columns keep
// the assembly order of All regardless of the order given here.
func WithFeatures(fs ...Feature) Option {
	return func(b *Builder) { b.features = fs }
}

// WithParallel runs the aggregators concurrently.
func WithParallel(parallel bool) Option {
	return func(b *Builder) { b.parallel = parallel }
}

// WithAlignItemsToWindow joins items and reviews through the windowed orders
// only.
func WithAlignItemsToWindow(align bool) Option {
	return func(b *Builder) { b.alignItems = align }
}

// WithResolver shares an identity resolver between builds.
func WithResolver(r *identity.Resolver) Option {
	return func(b *Builder) { b.resolver = r }
}

// WithAllocator sets the allocator for working copies.
func WithAllocator(mem memory.Allocator) Option {
	return func(b *Builder) { b.mem = mem }
}

// Builder runs the pipeline: roster, window, aggregators, assembly.
type Builder struct {
	store      *db.Store
	categories *category.Resolver
	logger     *zap.Logger
	mem        memory.Allocator
	resolver   *identity.Resolver
	window     query.Window
	features   []Feature
	parallel   bool
	alignItems bool
}

// NewBuilder creates a builder over store. The rollup is copied.
func NewBuilder(store *db.Store, rollup category.Rollup, opts ...Option) *Builder {
	b := &Builder{
		store:      store,
		categories: category.NewResolver(rollup),
		logger:     zap.NewNop(),
		mem:        db.Pool,
		window:     query.AllTime(),
		features:   All(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.resolver == nil {
		b.resolver = identity.NewResolver(b.mem, 0)
	}
	return b
}

// plan returns the selected aggregators in assembly order.
func (b *Builder) plan() ([]Aggregator, error) {
	selected := make(map[Feature]bool, len(b.features))
	for _, f := range b.features {
		if _, ok := aggregators[f]; !ok {
			return nil, fmt.Errorf("unknown feature %q", f)
		}
		selected[f] = true
	}
	var plan []Aggregator
	for _, f := range All() {
		if selected[f] {
			plan = append(plan, aggregators[f])
		}
	}
	return plan, nil
}

// Build computes the feature table. Any aggregator failure aborts the build.
func (b *Builder) Build(ctx context.Context) (table *Table, err error) {
	ctx, span := tracer.Start(ctx, "features.Build")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("window", b.window.String()))

	plan, err := b.plan()
	if err != nil {
		return nil, err
	}
	required := []string{db.Customers}
	for _, a := range plan {
		required = append(required, a.Tables...)
	}
	if err := b.store.Require(required...); err != nil {
		return nil, err
	}

	roster, err := BuildRoster(b.store)
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}

	env := &Env{
		Store:              b.store,
		Identity:           b.resolver,
		Categories:         b.categories,
		AlignItemsToWindow: b.alignItems,
	}
	if len(plan) > 0 {
		orders, err := b.store.Get(db.Orders)
		if err != nil {
			return nil, err
		}
		windowed, err := query.Between(b.mem, orders, b.window, db.ColPurchaseTime, db.OrderTemporal)
		if err != nil {
			return nil, fmt.Errorf("window %s: %w", b.window, err)
		}
		defer windowed.Release()
		windowRows.Observe(float64(windowed.NumRows()))
		env.Orders = windowed
		b.logger.Debug("Windowed orders",
			zap.Stringer("window", b.window),
			zap.Int64("rows", windowed.NumRows()),
			zap.Int64("total", orders.NumRows()))
	}

	partials := make([]*Partial, len(plan))
	if b.parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, a := range plan {
			g.Go(func() error {
				p, err := b.run(gctx, a, env)
				partials[i] = p
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, a := range plan {
			p, err := b.run(ctx, a, env)
			if err != nil {
				return nil, err
			}
			partials[i] = p
		}
	}

	table, err = Assemble(roster, partials...)
	if err != nil {
		return nil, err
	}
	b.logger.Info("Built feature table",
		zap.Int("customers", table.NumRows()),
		zap.Int("columns", len(table.Columns())),
		zap.Bool("parallel", b.parallel))
	return table, nil
}

func (b *Builder) run(ctx context.Context, a Aggregator, env *Env) (p *Partial, err error) {
	ctx, span := tracer.Start(ctx, "features.aggregate",
		trace.WithAttributes(attribute.String("feature", string(a.Feature))))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	p, err = a.Run(ctx, env)
	elapsed := time.Since(start)
	aggregationDuration.WithLabelValues(string(a.Feature)).Observe(elapsed.Seconds())
	if err != nil {
		aggregationErrors.WithLabelValues(string(a.Feature)).Inc()
		b.logger.Error("Aggregation failed", zap.String("feature", string(a.Feature)), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", a.Feature, err)
	}
	b.logger.Debug("Aggregated",
		zap.String("feature", string(a.Feature)),
		zap.Strings("columns", p.Columns),
		zap.Duration("elapsed", elapsed))
	return p, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

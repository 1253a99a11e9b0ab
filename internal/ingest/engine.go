package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/cam3ron2/reach-monitor/internal/store"
	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// KindStore marks failures raised while writing a batch.
const KindStore = "store"

const (
	defaultBatchSize       = 500
	defaultPairConcurrency = 1
	defaultMaxWorkers      = 4
)

// Site is one configured measurement site.
type Site struct {
	SiteID  string
	Brand   string
	Surface string
	Name    string
}

// Pair is one site and metric to fetch for a date.
type Pair struct {
	Site   Site
	Metric sourceapi.Metric
}

// Fetcher reads one metric value from the upstream.
type Fetcher interface {
	Fetch(
		ctx context.Context,
		metric sourceapi.Metric,
		siteID string,
		date time.Time,
		aggregation sourceapi.Aggregation,
	) (sourceapi.FetchResult, error)
}

// PairFailure records one pair that could not be ingested.
type PairFailure struct {
	Date   time.Time
	SiteID string
	Metric sourceapi.Metric
	Kind   string
	Err    error
}

// Stats summarizes one ingestion call.
type Stats struct {
	Inserted int
	Updated  int
	Errors   int
	Skipped  int
	Failures []PairFailure
}

// Written is the number of rows inserted or updated.
func (s Stats) Written() int {
	return s.Inserted + s.Updated
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Errors += other.Errors
	s.Skipped += other.Skipped
	s.Failures = append(s.Failures, other.Failures...)
}

// Options tunes the engine.
type Options struct {
	// PairConcurrency bounds concurrent fetches within one day.
	PairConcurrency int
	// BatchSize bounds rows per store write.
	BatchSize   int
	Aggregation sourceapi.Aggregation
}

// RangeOptions controls IngestDateRange.
type RangeOptions struct {
	Parallel   bool
	MaxWorkers int
}

// Engine fetches measurements and persists them idempotently.
type Engine struct {
	fetcher Fetcher
	store   store.MeasurementStore
	opts    Options
	logger  *zap.Logger
}

// NewEngine creates an ingestion engine.
func NewEngine(fetcher Fetcher, measurements store.MeasurementStore, opts Options, logger ...*zap.Logger) *Engine {
	if opts.PairConcurrency <= 0 {
		opts.PairConcurrency = defaultPairConcurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Aggregation == "" {
		opts.Aggregation = sourceapi.AggregationDay
	}
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}
	return &Engine{
		fetcher: fetcher,
		store:   measurements,
		opts:    opts,
		logger:  log,
	}
}

// Pairs expands sites and metrics into every combination, sites first.
func Pairs(sites []Site, metrics []sourceapi.Metric) []Pair {
	pairs := make([]Pair, 0, len(sites)*len(metrics))
	for _, site := range sites {
		for _, metric := range metrics {
			pairs = append(pairs, Pair{Site: site, Metric: metric})
		}
	}
	return pairs
}

// IngestDay fetches and stores every site and metric for one date.
// Per-pair failures are counted in Stats; the error covers invalid arguments only.
func (e *Engine) IngestDay(ctx context.Context, date time.Time, sites []Site, metrics []sourceapi.Metric) (Stats, error) {
	return e.IngestPairs(ctx, date, Pairs(sites, metrics))
}

// IngestPairs fetches and stores an explicit list of pairs for one date.
func (e *Engine) IngestPairs(ctx context.Context, date time.Time, pairs []Pair) (Stats, error) {
	if e == nil || e.fetcher == nil || e.store == nil {
		return Stats{}, fmt.Errorf("ingest engine is not initialized")
	}
	if date.IsZero() {
		return Stats{}, fmt.Errorf("date is required")
	}
	day := calendar.Day(date)

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("reach-monitor/internal/ingest").Start(
			ctx,
			"ingest.day",
			trace.WithAttributes(
				attribute.String("ingest.date", calendar.Format(day)),
				attribute.Int("ingest.pairs", len(pairs)),
			),
		)
		defer span.End()
	}

	outcomes := e.fetchAll(ctx, day, pairs)

	stats := Stats{}
	rows := make([]store.Measurement, 0, len(pairs))
	rowPairs := make([]Pair, 0, len(pairs))
	for i, outcome := range outcomes {
		pair := pairs[i]
		switch {
		case outcome.err != nil:
			stats.Errors++
			failure := PairFailure{
				Date:   day,
				SiteID: pair.Site.SiteID,
				Metric: pair.Metric,
				Kind:   sourceapi.ErrorKind(outcome.err),
				Err:    outcome.err,
			}
			stats.Failures = append(stats.Failures, failure)
			e.logger.Warn("metric fetch failed",
				zap.String("date", calendar.Format(day)),
				zap.String("site_id", pair.Site.SiteID),
				zap.String("metric", string(pair.Metric)),
				zap.String("kind", failure.Kind),
				zap.Error(outcome.err),
			)
		case outcome.result.Status == sourceapi.FetchStatusNoData:
			stats.Skipped++
			e.logger.Debug("metric not yet available",
				zap.String("date", calendar.Format(day)),
				zap.String("site_id", pair.Site.SiteID),
				zap.String("metric", string(pair.Metric)),
				zap.String("reason", outcome.result.Reason),
			)
		default:
			rows = append(rows, toMeasurement(pair, day, outcome.result.Metric))
			rowPairs = append(rowPairs, pair)
		}
	}

	for start := 0; start < len(rows); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(rows))
		result, err := e.store.UpsertMeasurements(ctx, rows[start:end])
		if err != nil {
			stats.Errors += end - start
			for _, pair := range rowPairs[start:end] {
				stats.Failures = append(stats.Failures, PairFailure{
					Date:   day,
					SiteID: pair.Site.SiteID,
					Metric: pair.Metric,
					Kind:   KindStore,
					Err:    err,
				})
			}
			e.logger.Error("measurement batch write failed",
				zap.String("date", calendar.Format(day)),
				zap.Int("rows", end-start),
				zap.Error(err),
			)
			continue
		}
		stats.Inserted += result.Inserted
		stats.Updated += result.Updated
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("ingest.inserted", stats.Inserted),
			attribute.Int("ingest.updated", stats.Updated),
			attribute.Int("ingest.skipped", stats.Skipped),
			attribute.Int("ingest.errors", stats.Errors),
		)
		if stats.Errors > 0 {
			span.SetStatus(codes.Error, "ingest completed with errors")
		} else {
			span.SetStatus(codes.Ok, "ingest completed")
		}
	}
	e.logger.Info("ingested day",
		zap.String("date", calendar.Format(day)),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

// IngestDateRange runs IngestDay for every date in [start, end] and merges stats in date order.
func (e *Engine) IngestDateRange(
	ctx context.Context,
	start time.Time,
	end time.Time,
	sites []Site,
	metrics []sourceapi.Metric,
	opts RangeOptions,
) (Stats, error) {
	if start.IsZero() || end.IsZero() {
		return Stats{}, fmt.Errorf("start and end dates are required")
	}
	if calendar.Day(end).Before(calendar.Day(start)) {
		return Stats{}, fmt.Errorf("end date %s is before start date %s", calendar.Format(end), calendar.Format(start))
	}

	days := calendar.Range(start, end)
	perDay := make([]Stats, len(days))
	dayErrs := make([]error, len(days))

	if opts.Parallel {
		workers := opts.MaxWorkers
		if workers <= 0 {
			workers = defaultMaxWorkers
		}
		group := errgroup.Group{}
		group.SetLimit(workers)
		for i, day := range days {
			i, day := i, day
			group.Go(func() error {
				perDay[i], dayErrs[i] = e.IngestDay(ctx, day, sites, metrics)
				return nil
			})
		}
		_ = group.Wait()
	} else {
		for i, day := range days {
			perDay[i], dayErrs[i] = e.IngestDay(ctx, day, sites, metrics)
		}
	}

	total := Stats{}
	for _, stats := range perDay {
		total.Add(stats)
	}
	return total, errors.Join(dayErrs...)
}

type fetchOutcome struct {
	result sourceapi.FetchResult
	err    error
}

func (e *Engine) fetchAll(ctx context.Context, day time.Time, pairs []Pair) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(pairs))
	group := errgroup.Group{}
	group.SetLimit(e.opts.PairConcurrency)
	for i, pair := range pairs {
		i, pair := i, pair
		group.Go(func() error {
			result, err := e.fetcher.Fetch(ctx, pair.Metric, pair.Site.SiteID, day, e.opts.Aggregation)
			outcomes[i] = fetchOutcome{result: result, err: err}
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func toMeasurement(pair Pair, day time.Time, parsed sourceapi.ParsedMetric) store.Measurement {
	site := pair.Site
	row := store.Measurement{
		Brand:              strings.ToLower(strings.TrimSpace(site.Brand)),
		Surface:            strings.ToLower(strings.TrimSpace(site.Surface)),
		Metric:             string(parsed.Metric),
		Date:               parsed.Date,
		SiteID:             parsed.SiteID,
		Preliminary:        parsed.Preliminary,
		ValueTotal:         parsed.Total,
		ValueNational:      parsed.National,
		ValueInternational: parsed.International,
		ValueIOMP:          parsed.IOMPTotal,
		ValueIOMB:          parsed.IOMBTotal,
		Version:            parsed.Version,
	}
	if row.SiteID == "" {
		row.SiteID = site.SiteID
	}
	if row.Metric == "" {
		row.Metric = string(pair.Metric)
	}
	if row.Date.IsZero() {
		row.Date = day
	}
	if !parsed.ExportedAt.IsZero() {
		exportedAt := parsed.ExportedAt
		row.ExportedAt = &exportedAt
	}
	return row
}

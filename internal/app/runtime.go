package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/alerting"
	"github.com/cam3ron2/reach-monitor/internal/backfill"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/config"
	"github.com/cam3ron2/reach-monitor/internal/exporter"
	"github.com/cam3ron2/reach-monitor/internal/health"
	"github.com/cam3ron2/reach-monitor/internal/ingest"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/cam3ron2/reach-monitor/internal/store"
	"github.com/cam3ron2/reach-monitor/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	probeTimeout = 2 * time.Second
	// staleRunAfter allows one missed daily trigger plus slack before health degrades.
	staleRunAfter = 36 * time.Hour
)

// JobStatus is the final state of a job run.
type JobStatus string

const (
	// JobSuccess means every pair was handled without error.
	JobSuccess JobStatus = "success"
	// JobPartial means some pairs or evaluations failed.
	JobPartial JobStatus = "partial"
	// JobFailed means errors occurred and nothing was written.
	JobFailed JobStatus = "failed"
	// JobSkipped means another run held the job lock.
	JobSkipped JobStatus = "skipped"
)

// JobResult summarizes one daily, range, or analysis run.
type JobResult struct {
	Mode   string
	Status JobStatus
	Date   time.Time
	// End is set for range runs, where Date is the first day.
	End    time.Time
	Stats  ingest.Stats
	Report alerting.Report
	Errors []error
}

type runtimeQueue interface {
	Publish(msg backfill.Message) error
	Consume(ctx context.Context, handler backfill.Handler, maxMessageAge time.Duration, nowFn func() time.Time)
	Depth() int
}

type sourceProber interface {
	HealthCheck(ctx context.Context, siteID string) error
}

type sourceStatser interface {
	Stats() sourceapi.Stats
}

// Dependencies are the constructed backends a Runtime drives.
type Dependencies struct {
	Store   store.Store
	Fetcher ingest.Fetcher
	// Locker defaults to an in-process locker.
	Locker store.Locker
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg         *config.Config
	store       store.Store
	fetcher     ingest.Fetcher
	locker      store.Locker
	engine      *ingest.Engine
	alerts      *alerting.Service
	evaluator   *alerting.Evaluator
	dispatcher  *backfill.Dispatcher
	queue       runtimeQueue
	instruments *exporter.Instruments
	snapshots   *exporter.CachedSnapshotReader
	health      *health.StatusEvaluator
	logger      *zap.Logger

	sites     []ingest.Site
	siteIndex map[string]ingest.Site
	subjects  []store.Subject
	rangeOpts ingest.RangeOptions

	mu              sync.RWMutex
	sourceHealthy   bool
	consumerHealthy bool
	consumerCancel  context.CancelFunc
	consumerWG      sync.WaitGroup
	lastRunAt       time.Time
	lastRunStatus   JobStatus

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime creates a runtime over already-opened backends.
func NewRuntime(cfg *config.Config, deps Dependencies, logger ...*zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	locker := deps.Locker
	if locker == nil {
		locker = store.NewMemoryLocker()
	}

	r := &Runtime{
		cfg:           cfg,
		store:         deps.Store,
		fetcher:       deps.Fetcher,
		locker:        locker,
		instruments:   exporter.NewInstruments(),
		health:        health.NewStatusEvaluator(),
		logger:        baseLogger,
		siteIndex:     make(map[string]ingest.Site, len(cfg.Sites)),
		sourceHealthy: true,
		Now:           time.Now,
	}

	opts, rangeOpts := ingest.OptionsFromConfig(cfg)
	r.rangeOpts = rangeOpts
	r.sites = ingest.SitesFromConfig(cfg)
	for _, site := range r.sites {
		r.siteIndex[site.SiteID] = site
	}
	r.subjects = alerting.SubjectsFromSites(r.sites, cfg.Metrics)
	r.engine = ingest.NewEngine(deps.Fetcher, deps.Store, opts, baseLogger.Named("ingest"))

	r.alerts = alerting.NewService(deps.Store, baseLogger.Named("alerting"))
	r.alerts.Now = r.now
	r.evaluator = alerting.NewEvaluator(r.engine, r.alerts, alerting.EvaluatorConfig{
		Detector:        cfg.Anomaly.Detector(),
		WeekdayAdjusted: cfg.Anomaly.WeekdayAdjusted,
		OnAlert: func(alert store.Alert) {
			r.instruments.AlertCreated(alert.Severity)
		},
	}, baseLogger.Named("evaluator"))

	retryPolicy := backfill.RetryPolicy{
		MaxAttempts: len(cfg.Backfill.RequeueDelays) + 1,
		Delays:      cfg.Backfill.RequeueDelays,
	}
	queue := backfill.NewInMemoryQueue(cfg.Backfill.QueueBuffer, retryPolicy)
	r.queue = queue
	r.dispatcher = backfill.NewDispatcher(backfill.Config{
		DedupTTL:                    cfg.Backfill.DedupTTL,
		MaxEnqueuesPerSitePerMinute: cfg.Backfill.MaxEnqueuesPerSitePerMinute,
		MaxAttempts:                 retryPolicy.MaxAttempts,
	}, queue, locker)

	r.snapshots = exporter.NewCachedSnapshotReader(deps.Store, exporter.CacheConfig{
		RefreshInterval: cfg.Exporter.RefreshInterval,
		Now:             r.now,
	}, baseLogger.Named("exporter"))

	return r, nil
}

// Engine exposes the ingestion engine.
func (r *Runtime) Engine() *ingest.Engine {
	return r.engine
}

// Alerts exposes the alert service.
func (r *Runtime) Alerts() *alerting.Service {
	return r.alerts
}

// QueueDepth returns queued backfill messages.
func (r *Runtime) QueueDepth() int {
	return r.queue.Depth()
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	collectors := []prometheus.Collector{r.instruments}
	if statser, ok := r.fetcher.(sourceStatser); ok {
		collectors = append(collectors, exporter.NewSourceCollector(statser.Stats))
	}
	return NewHTTPHandler(Routes{
		Metrics: exporter.NewOpenMetricsHandler(r.snapshots, collectors...),
		Health:  health.NewHandler(r),
		API:     newAPIHandler(r),
	}, r.logger.Named("http"))
}

// RunDaily ingests every configured site and metric for date, dispatches
// failed pairs to backfill, and evaluates the day for outliers.
func (r *Runtime) RunDaily(ctx context.Context, date time.Time) JobResult {
	now := r.now()
	day := calendar.Day(date)
	if date.IsZero() {
		day = calendar.Yesterday(now)
	}
	result := JobResult{Mode: "daily", Date: day}

	lockID := "daily:" + calendar.Format(day)
	if !r.locker.AcquireJobLock(lockID, r.cfg.Locks.JobLockTTL, now) {
		r.logger.Info("daily job skipped; lock held", zap.String("job_id", lockID))
		result.Status = JobSkipped
		return result
	}
	defer r.locker.ReleaseJobLock(lockID)

	ctx, span := r.startSpan(ctx, "app.run_daily", attribute.String("job.date", calendar.Format(day)))
	if span != nil {
		defer span.End()
	}

	started := time.Now()
	r.logger.Info("daily job started",
		zap.String("date", calendar.Format(day)),
		zap.Int("site_count", len(r.sites)),
		zap.Int("metric_count", len(r.cfg.Metrics)),
	)

	stats, err := r.engine.IngestDay(ctx, day, r.sites, r.cfg.Metrics)
	result.Stats = stats
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("ingest %s: %w", calendar.Format(day), err))
	}
	r.dispatchFailures(stats.Failures, now)

	report, err := r.evaluator.EvaluateDay(ctx, day, r.subjects)
	result.Report = report
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("evaluate %s: %w", calendar.Format(day), err))
	}

	result.Status = jobStatus(result)
	r.finishJob(result, time.Since(started), span)
	return result
}

// RunRange ingests every configured site and metric for each day in [start, end].
func (r *Runtime) RunRange(ctx context.Context, start, end time.Time) JobResult {
	now := r.now()
	result := JobResult{Mode: "range", Date: calendar.Day(start), End: calendar.Day(end)}

	lockID := "range:" + calendar.Format(start) + ":" + calendar.Format(end)
	if !r.locker.AcquireJobLock(lockID, r.cfg.Locks.JobLockTTL, now) {
		r.logger.Info("range job skipped; lock held", zap.String("job_id", lockID))
		result.Status = JobSkipped
		return result
	}
	defer r.locker.ReleaseJobLock(lockID)

	ctx, span := r.startSpan(ctx, "app.run_range",
		attribute.String("job.start", calendar.Format(start)),
		attribute.String("job.end", calendar.Format(end)),
		attribute.Bool("job.parallel", r.rangeOpts.Parallel),
	)
	if span != nil {
		defer span.End()
	}

	started := time.Now()
	stats, err := r.engine.IngestDateRange(ctx, start, end, r.sites, r.cfg.Metrics, r.rangeOpts)
	result.Stats = stats
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	r.dispatchFailures(stats.Failures, now)

	result.Status = jobStatus(result)
	r.finishJob(result, time.Since(started), span)
	return result
}

// Analyze evaluates stored data for date without ingesting.
func (r *Runtime) Analyze(ctx context.Context, date time.Time) JobResult {
	day := calendar.Day(date)
	if date.IsZero() {
		day = calendar.Yesterday(r.now())
	}
	result := JobResult{Mode: "analyze", Date: day}

	ctx, span := r.startSpan(ctx, "app.analyze", attribute.String("job.date", calendar.Format(day)))
	if span != nil {
		defer span.End()
	}

	report, err := r.evaluator.EvaluateDay(ctx, day, r.subjects)
	result.Report = report
	switch {
	case err != nil:
		result.Errors = append(result.Errors, err)
		result.Status = JobFailed
	case report.Errors > 0:
		result.Status = JobPartial
	default:
		result.Status = JobSuccess
	}
	r.logger.Info("analysis completed",
		zap.String("date", calendar.Format(day)),
		zap.String("status", string(result.Status)),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("outliers", report.Outliers),
		zap.Int("insufficient", report.Insufficient),
	)
	if span != nil {
		span.SetAttributes(attribute.String("job.status", string(result.Status)))
	}
	return result
}

// StartBackfillConsumer starts the configured number of queue consumers.
func (r *Runtime) StartBackfillConsumer(ctx context.Context) {
	if !r.cfg.Backfill.Enabled {
		r.logger.Info("backfill disabled; consumer not started")
		return
	}
	r.mu.Lock()
	if r.consumerCancel != nil {
		r.mu.Unlock()
		return
	}
	consumerCtx, cancel := context.WithCancel(ctx)
	r.consumerCancel = cancel
	r.consumerHealthy = true
	r.mu.Unlock()

	count := r.cfg.Backfill.ConsumerCount
	if count <= 0 {
		count = 1
	}
	r.logger.Info("starting backfill consumers",
		zap.Int("consumer_count", count),
		zap.Int("queue_depth", r.queue.Depth()),
		zap.Duration("max_message_age", r.cfg.Backfill.MaxMessageAge),
	)

	r.consumerWG.Add(count)
	for i := 0; i < count; i++ {
		go func() {
			defer r.consumerWG.Done()
			r.queue.Consume(consumerCtx, r.handleBackfill, r.cfg.Backfill.MaxMessageAge, r.now)
		}()
	}
	go func() {
		r.consumerWG.Wait()
		r.mu.Lock()
		r.consumerHealthy = false
		r.mu.Unlock()
	}()
}

// StopBackfillConsumer stops the consumers and waits for them to return.
func (r *Runtime) StopBackfillConsumer() {
	r.mu.Lock()
	cancel := r.consumerCancel
	r.consumerCancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.consumerWG.Wait()
	r.mu.Lock()
	r.consumerHealthy = false
	r.mu.Unlock()
	r.logger.Info("stopped backfill consumers")
}

// CheckSource probes the upstream with the configured health site.
func (r *Runtime) CheckSource(ctx context.Context) error {
	prober, ok := r.fetcher.(sourceProber)
	if !ok || r.cfg.Source.HealthSiteID == "" {
		return nil
	}
	err := prober.HealthCheck(ctx, r.cfg.Source.HealthSiteID)
	r.mu.Lock()
	r.sourceHealthy = err == nil
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("source health check failed", zap.String("site_id", r.cfg.Source.HealthSiteID), zap.Error(err))
	}
	return err
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	storeErr := r.store.Ping(probeCtx)
	lockErr := r.locker.Healthy(probeCtx)
	r.snapshots.Snapshot(probeCtx)
	exporterErr := r.snapshots.Healthy()

	r.mu.RLock()
	input := health.Input{
		StoreHealthy:    storeErr == nil,
		SourceHealthy:   r.sourceHealthy,
		LockHealthy:     lockErr == nil,
		ConsumerHealthy: r.consumerHealthy,
		ExporterHealthy: exporterErr == nil,
		BackfillEnabled: r.cfg.Backfill.Enabled,
		LastRunAt:       r.lastRunAt,
		LastRunStatus:   string(r.lastRunStatus),
		MaxRunAge:       staleRunAfter,
		Now:             r.now(),
	}
	r.mu.RUnlock()
	return r.health.Evaluate(input)
}

func (r *Runtime) handleBackfill(ctx context.Context, msg backfill.Message) error {
	site, ok := r.siteIndex[msg.SiteID]
	if !ok {
		r.instruments.BackfillJob("unknown_site")
		r.logger.Warn("backfill message for unconfigured site dropped", zap.String("site_id", msg.SiteID))
		return nil
	}

	lockID := fmt.Sprintf("backfill:%s:%d", msg.JobID, msg.Attempt)
	if msg.JobID != "" && !r.locker.AcquireJobLock(lockID, r.cfg.Backfill.MaxMessageAge, r.now()) {
		r.logger.Debug("duplicate backfill delivery skipped", zap.String("job_id", msg.JobID))
		return nil
	}

	stats, err := r.engine.IngestPairs(ctx, msg.Date, []ingest.Pair{{Site: site, Metric: msg.Metric}})
	if err != nil {
		r.instruments.BackfillJob("retry")
		return err
	}
	if len(stats.Failures) > 0 {
		r.instruments.BackfillJob("retry")
		failure := stats.Failures[0]
		r.logger.Debug("backfill attempt failed",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(failure.Err),
		)
		return fmt.Errorf("backfill %s %s %s: %w", msg.SiteID, msg.Metric, calendar.Format(msg.Date), failure.Err)
	}
	r.instruments.BackfillJob("processed")
	r.logger.Info("backfill processed",
		zap.String("site_id", msg.SiteID),
		zap.String("metric", string(msg.Metric)),
		zap.String("date", calendar.Format(msg.Date)),
		zap.Int("written", stats.Written()),
		zap.Int("attempt", msg.Attempt),
	)
	return nil
}

func (r *Runtime) dispatchFailures(failures []ingest.PairFailure, now time.Time) {
	if !r.cfg.Backfill.Enabled {
		return
	}
	for _, failure := range failures {
		enqueueResult := r.dispatcher.EnqueueFailure(backfill.MessageInput{
			Date:   failure.Date,
			SiteID: failure.SiteID,
			Metric: failure.Metric,
			Reason: failure.Kind,
			Now:    now,
		})
		r.instruments.BackfillJob(enqueueResult.Outcome())
		if enqueueResult.Err != nil {
			r.logger.Warn("failed to enqueue backfill",
				zap.String("site_id", failure.SiteID),
				zap.String("metric", string(failure.Metric)),
				zap.Error(enqueueResult.Err),
			)
			continue
		}
		if enqueueResult.DroppedByRateLimit {
			r.logger.Warn("backfill enqueue dropped by site rate cap",
				zap.String("site_id", failure.SiteID),
				zap.String("metric", string(failure.Metric)),
			)
		}
	}
}

func (r *Runtime) finishJob(result JobResult, elapsed time.Duration, span trace.Span) {
	stats := result.Stats
	r.instruments.ObserveIngest(result.Mode, string(result.Status), exporter.IngestCounts{
		Inserted: stats.Inserted,
		Updated:  stats.Updated,
		Skipped:  stats.Skipped,
		Errors:   stats.Errors,
	}, elapsed)

	r.mu.Lock()
	r.lastRunAt = r.now()
	r.lastRunStatus = result.Status
	if stats.Written() > 0 {
		r.sourceHealthy = true
	} else if stats.Errors > 0 {
		r.sourceHealthy = false
	}
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("mode", result.Mode),
		zap.String("status", string(result.Status)),
		zap.String("date", calendar.Format(result.Date)),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
		zap.Int("outliers", result.Report.Outliers),
		zap.Int("queue_depth", r.queue.Depth()),
		zap.Duration("duration", elapsed),
	}
	if len(result.Errors) > 0 {
		fields = append(fields, zap.Error(errors.Join(result.Errors...)))
	}
	if result.Status == JobFailed {
		r.logger.Warn("job completed", fields...)
	} else {
		r.logger.Info("job completed", fields...)
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("job.status", string(result.Status)),
			attribute.Int("job.written", stats.Written()),
			attribute.Int("job.errors", stats.Errors),
		)
		if result.Status == JobFailed {
			span.SetStatus(codes.Error, "job failed")
		} else {
			span.SetStatus(codes.Ok, "job completed")
		}
	}
}

func (r *Runtime) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !telemetry.ShouldTraceDependencies() {
		return ctx, nil
	}
	return otel.Tracer("reach-monitor/internal/app").Start(ctx, name, trace.WithAttributes(attrs...))
}

func (r *Runtime) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// jobStatus is failed when errors occurred and nothing was written,
// partial when some errors occurred, and success otherwise.
func jobStatus(result JobResult) JobStatus {
	failures := result.Stats.Errors + len(result.Errors) + result.Report.Errors
	switch {
	case failures == 0:
		return JobSuccess
	case result.Stats.Written() == 0:
		return JobFailed
	default:
		return JobPartial
	}
}

package exporter

import (
	"time"

	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/prometheus/client_golang/prometheus"
)

// Instruments holds the runtime counters for jobs, alerts, and backfill.
type Instruments struct {
	ingestRows     *prometheus.CounterVec
	ingestRuns     *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
	alertsCreated  *prometheus.CounterVec
	backfillJobs   *prometheus.CounterVec
}

// NewInstruments creates unregistered instruments. Pass them to NewOpenMetricsHandler.
func NewInstruments() *Instruments {
	return &Instruments{
		ingestRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reach_ingest_rows_total",
			Help: "Ingested pairs by job mode and result.",
		}, []string{"mode", "result"}),
		ingestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reach_ingest_runs_total",
			Help: "Ingestion jobs by mode and final status.",
		}, []string{"mode", "status"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reach_ingest_duration_seconds",
			Help:    "Wall time of ingestion jobs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"mode"}),
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reach_alerts_created_total",
			Help: "Alerts created by severity.",
		}, []string{"severity"}),
		backfillJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reach_backfill_jobs_total",
			Help: "Backfill enqueue and processing outcomes.",
		}, []string{"result"}),
	}
}

// IngestCounts are the per-result row counts of one job.
type IngestCounts struct {
	Inserted int
	Updated  int
	Skipped  int
	Errors   int
}

// ObserveIngest records one finished ingestion job.
func (i *Instruments) ObserveIngest(mode, status string, counts IngestCounts, elapsed time.Duration) {
	if i == nil {
		return
	}
	i.ingestRows.WithLabelValues(mode, "inserted").Add(float64(counts.Inserted))
	i.ingestRows.WithLabelValues(mode, "updated").Add(float64(counts.Updated))
	i.ingestRows.WithLabelValues(mode, "skipped").Add(float64(counts.Skipped))
	i.ingestRows.WithLabelValues(mode, "error").Add(float64(counts.Errors))
	i.ingestRuns.WithLabelValues(mode, status).Inc()
	i.ingestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// AlertCreated counts one new alert.
func (i *Instruments) AlertCreated(severity string) {
	if i == nil {
		return
	}
	i.alertsCreated.WithLabelValues(severity).Inc()
}

// BackfillJob counts one backfill outcome.
func (i *Instruments) BackfillJob(result string) {
	if i == nil {
		return
	}
	i.backfillJobs.WithLabelValues(result).Inc()
}

// Describe implements prometheus.Collector.
func (i *Instruments) Describe(ch chan<- *prometheus.Desc) {
	i.ingestRows.Describe(ch)
	i.ingestRuns.Describe(ch)
	i.ingestDuration.Describe(ch)
	i.alertsCreated.Describe(ch)
	i.backfillJobs.Describe(ch)
}

// Collect implements prometheus.Collector.
func (i *Instruments) Collect(ch chan<- prometheus.Metric) {
	i.ingestRows.Collect(ch)
	i.ingestRuns.Collect(ch)
	i.ingestDuration.Collect(ch)
	i.alertsCreated.Collect(ch)
	i.backfillJobs.Collect(ch)
}

var (
	sourceRequestsDesc = prometheus.NewDesc(
		"reach_source_requests_total",
		"Upstream HTTP attempts issued by the reporting API client.",
		nil, nil,
	)
	sourceErrorsDesc = prometheus.NewDesc(
		"reach_source_errors_total",
		"Upstream HTTP attempts that failed or returned an error status.",
		nil, nil,
	)
	sourceWaitDesc = prometheus.NewDesc(
		"reach_source_rate_limit_wait_seconds_total",
		"Time spent waiting on the client rate limiter.",
		nil, nil,
	)
)

// SourceCollector exports reporting API client counters.
type SourceCollector struct {
	stats func() sourceapi.Stats
}

// NewSourceCollector creates a collector reading stats on every scrape.
func NewSourceCollector(stats func() sourceapi.Stats) *SourceCollector {
	return &SourceCollector{stats: stats}
}

// Describe implements prometheus.Collector.
func (c *SourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sourceRequestsDesc
	ch <- sourceErrorsDesc
	ch <- sourceWaitDesc
}

// Collect implements prometheus.Collector.
func (c *SourceCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.stats == nil {
		return
	}
	stats := c.stats()
	ch <- prometheus.MustNewConstMetric(sourceRequestsDesc, prometheus.CounterValue, float64(stats.TotalRequests))
	ch <- prometheus.MustNewConstMetric(sourceErrorsDesc, prometheus.CounterValue, float64(stats.Errors))
	ch <- prometheus.MustNewConstMetric(sourceWaitDesc, prometheus.CounterValue, stats.RateLimitWait.Seconds())
}

package exporter

import (
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentsObserveIngest(t *testing.T) {
	t.Parallel()

	instruments := NewInstruments()
	instruments.ObserveIngest("daily", "partial", IngestCounts{Inserted: 3, Updated: 1, Errors: 2}, 1500*time.Millisecond)
	instruments.ObserveIngest("daily", "success", IngestCounts{Inserted: 4}, time.Second)
	instruments.AlertCreated("critical")
	instruments.BackfillJob("enqueued")
	instruments.BackfillJob("enqueued")

	testCases := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "inserted_rows", got: testutil.ToFloat64(instruments.ingestRows.WithLabelValues("daily", "inserted")), want: 7},
		{name: "error_rows", got: testutil.ToFloat64(instruments.ingestRows.WithLabelValues("daily", "error")), want: 2},
		{name: "partial_runs", got: testutil.ToFloat64(instruments.ingestRuns.WithLabelValues("daily", "partial")), want: 1},
		{name: "critical_alerts", got: testutil.ToFloat64(instruments.alertsCreated.WithLabelValues("critical")), want: 1},
		{name: "enqueued_backfills", got: testutil.ToFloat64(instruments.backfillJobs.WithLabelValues("enqueued")), want: 2},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if tc.got != tc.want {
				t.Fatalf("counter = %v, want %v", tc.got, tc.want)
			}
		})
	}

	if got := testutil.CollectAndCount(instruments, "reach_ingest_duration_seconds"); got != 1 {
		t.Fatalf("duration series = %d, want 1", got)
	}
}

func TestInstrumentsNilReceiver(t *testing.T) {
	t.Parallel()

	var instruments *Instruments
	instruments.ObserveIngest("daily", "success", IngestCounts{}, time.Second)
	instruments.AlertCreated("warning")
	instruments.BackfillJob("processed")
}

func TestSourceCollector(t *testing.T) {
	t.Parallel()

	collector := NewSourceCollector(func() sourceapi.Stats {
		return sourceapi.Stats{TotalRequests: 12, Errors: 2, RateLimitWait: 1500 * time.Millisecond}
	})

	expected := `
# HELP reach_source_errors_total Upstream HTTP attempts that failed or returned an error status.
# TYPE reach_source_errors_total counter
reach_source_errors_total 2
# HELP reach_source_rate_limit_wait_seconds_total Time spent waiting on the client rate limiter.
# TYPE reach_source_rate_limit_wait_seconds_total counter
reach_source_rate_limit_wait_seconds_total 1.5
# HELP reach_source_requests_total Upstream HTTP attempts issued by the reporting API client.
# TYPE reach_source_requests_total counter
reach_source_requests_total 12
`
	if err := testutil.CollectAndCompare(collector, strings.NewReader(expected)); err != nil {
		t.Fatalf("CollectAndCompare() unexpected error: %v", err)
	}

	if got := testutil.CollectAndCount(NewSourceCollector(nil)); got != 0 {
		t.Fatalf("nil stats series = %d, want 0", got)
	}
}

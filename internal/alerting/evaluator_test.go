package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/anomaly"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/ingest"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/cam3ron2/reach-monitor/internal/store"
)

type noopFetcher struct{}

func (noopFetcher) Fetch(
	context.Context,
	sourceapi.Metric,
	string,
	time.Time,
	sourceapi.Aggregation,
) (sourceapi.FetchResult, error) {
	return sourceapi.FetchResult{Status: sourceapi.FetchStatusNoData}, nil
}

type brokenSeries struct {
	SeriesReader
	fail store.Subject
}

func (b brokenSeries) ValueOn(ctx context.Context, subject store.Subject, date time.Time) (float64, bool, error) {
	if subject == b.fail {
		return 0, false, errors.New("connection reset")
	}
	return b.SeriesReader.ValueOn(ctx, subject, date)
}

func seedSeries(t *testing.T, measurements *store.MemoryStore, subject store.Subject, values map[time.Time]int64) {
	t.Helper()

	rows := make([]store.Measurement, 0, len(values))
	for date, value := range values {
		rows = append(rows, store.Measurement{
			Brand:      subject.Brand,
			Surface:    subject.Surface,
			Metric:     subject.Metric,
			SiteID:     "site-" + subject.Surface,
			Date:       date,
			ValueTotal: value,
		})
	}
	if _, err := measurements.UpsertMeasurements(context.Background(), rows); err != nil {
		t.Fatalf("UpsertMeasurements() unexpected error: %v", err)
	}
}

func flatHistory(days int, value int64) map[time.Time]int64 {
	values := make(map[time.Time]int64, days)
	for offset := 1; offset <= days; offset++ {
		values[calendar.AddDays(testDay, -offset)] = value
	}
	return values
}

func TestSubjectsFromSites(t *testing.T) {
	t.Parallel()

	sites := []ingest.Site{
		{SiteID: "a", Brand: "ORF", Surface: "web"},
		{SiteID: "b", Brand: "orf", Surface: "web"},
		{SiteID: "c", Brand: "orf", Surface: "ios"},
	}
	subjects := SubjectsFromSites(sites, []sourceapi.Metric{sourceapi.MetricPageImpressions, sourceapi.MetricVisits})
	if len(subjects) != 4 {
		t.Fatalf("len(SubjectsFromSites()) = %d, want 4: %+v", len(subjects), subjects)
	}
	if subjects[0] != (store.Subject{Brand: "orf", Surface: "web", Metric: "pageimpressions"}) {
		t.Fatalf("SubjectsFromSites()[0] = %+v", subjects[0])
	}
}

func TestEvaluateDay(t *testing.T) {
	t.Parallel()

	measurements := store.NewMemoryStore()
	webPI := store.Subject{Brand: "orf", Surface: "web", Metric: "pageimpressions"}
	iosPI := store.Subject{Brand: "orf", Surface: "ios", Metric: "pageimpressions"}
	webVisits := store.Subject{Brand: "orf", Surface: "web", Metric: "visits"}
	iosVisits := store.Subject{Brand: "orf", Surface: "ios", Metric: "visits"}

	outlier := flatHistory(56, 100)
	outlier[testDay] = 150
	seedSeries(t, measurements, webPI, outlier)

	short := flatHistory(3, 100)
	short[testDay] = 100
	seedSeries(t, measurements, iosPI, short)

	normal := flatHistory(56, 100)
	normal[testDay] = 101
	seedSeries(t, measurements, webVisits, normal)

	seedSeries(t, measurements, iosVisits, flatHistory(10, 100))

	engine := ingest.NewEngine(noopFetcher{}, measurements, ingest.Options{})
	service := NewService(measurements)
	var notified []store.Alert
	evaluator := NewEvaluator(engine, service, EvaluatorConfig{
		Detector: anomaly.DefaultConfig(),
		OnAlert:  func(alert store.Alert) { notified = append(notified, alert) },
	})

	report, err := evaluator.EvaluateDay(context.Background(), testDay, []store.Subject{webPI, iosPI, webVisits, iosVisits})
	if err != nil {
		t.Fatalf("EvaluateDay() unexpected error: %v", err)
	}
	if report.Evaluated != 3 || report.Outliers != 1 || report.Insufficient != 1 || report.Missing != 1 || report.Errors != 0 {
		t.Fatalf("EvaluateDay() = %+v", report)
	}
	if len(report.Alerts) != 1 || len(notified) != 1 {
		t.Fatalf("alerts = %d, notified = %d; want 1", len(report.Alerts), len(notified))
	}
	alert := report.Alerts[0]
	if alert.Severity != "critical" || alert.Metric != "pageimpressions" || alert.Surface != "web" {
		t.Fatalf("alert = %+v, want critical web pageimpressions", alert)
	}
	if alert.ActualValue != 150 || alert.BaselineMedian != 100 || alert.BaselineMAD != nil {
		t.Fatalf("alert = %+v, want actual 150 median 100 without mad", alert)
	}
}

func TestEvaluateDayWeekdayAdjusted(t *testing.T) {
	t.Parallel()

	subject := store.Subject{Brand: "orf", Surface: "web", Metric: "visits"}
	values := make(map[time.Time]int64)
	for offset := 1; offset <= 56; offset++ {
		date := calendar.AddDays(testDay, -offset)
		values[date] = 100
		if date.Weekday() == testDay.Weekday() {
			values[date] = 200
		}
	}
	values[testDay] = 200

	testCases := []struct {
		name         string
		weekday      bool
		wantOutliers int
	}{
		{name: "full_series_flags_weekly_peak", weekday: false, wantOutliers: 1},
		{name: "same_weekday_baseline_is_normal", weekday: true, wantOutliers: 0},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			measurements := store.NewMemoryStore()
			seedSeries(t, measurements, subject, values)
			evaluator := NewEvaluator(
				ingest.NewEngine(noopFetcher{}, measurements, ingest.Options{}),
				NewService(measurements),
				EvaluatorConfig{Detector: anomaly.DefaultConfig(), WeekdayAdjusted: tc.weekday},
			)

			report, err := evaluator.EvaluateDay(context.Background(), testDay, []store.Subject{subject})
			if err != nil {
				t.Fatalf("EvaluateDay() unexpected error: %v", err)
			}
			if report.Evaluated != 1 || report.Outliers != tc.wantOutliers || report.Insufficient != 0 {
				t.Fatalf("EvaluateDay() = %+v, want %d outliers", report, tc.wantOutliers)
			}
		})
	}
}

func TestEvaluateDayCountsSubjectErrors(t *testing.T) {
	t.Parallel()

	measurements := store.NewMemoryStore()
	good := store.Subject{Brand: "orf", Surface: "web", Metric: "pageimpressions"}
	bad := store.Subject{Brand: "orf", Surface: "ios", Metric: "pageimpressions"}
	history := flatHistory(20, 100)
	history[testDay] = 100
	seedSeries(t, measurements, good, history)

	evaluator := NewEvaluator(
		brokenSeries{SeriesReader: ingest.NewEngine(noopFetcher{}, measurements, ingest.Options{}), fail: bad},
		NewService(measurements),
		EvaluatorConfig{Detector: anomaly.DefaultConfig()},
	)

	report, err := evaluator.EvaluateDay(context.Background(), testDay, []store.Subject{bad, good})
	if err == nil {
		t.Fatalf("EvaluateDay() expected joined error")
	}
	if report.Errors != 1 || report.Evaluated != 1 {
		t.Fatalf("EvaluateDay() = %+v, want 1 error and 1 evaluated", report)
	}
}

func TestEvaluateDayValidation(t *testing.T) {
	t.Parallel()

	var nilEvaluator *Evaluator
	if _, err := nilEvaluator.EvaluateDay(context.Background(), testDay, nil); err == nil {
		t.Fatalf("EvaluateDay() on nil evaluator expected error")
	}

	measurements := store.NewMemoryStore()
	evaluator := NewEvaluator(
		ingest.NewEngine(noopFetcher{}, measurements, ingest.Options{}),
		NewService(measurements),
		EvaluatorConfig{Detector: anomaly.Config{}},
	)
	if _, err := evaluator.EvaluateDay(context.Background(), testDay, nil); err == nil {
		t.Fatalf("EvaluateDay() with zero detector config expected error")
	}
}

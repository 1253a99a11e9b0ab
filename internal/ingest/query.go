package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/anomaly"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/sourceapi"
	"github.com/cam3ron2/reach-monitor/internal/store"
)

// Surface groups used by summaries.
const (
	SurfaceGroupWeb = "web"
	SurfaceGroupApp = "app"
)

// BrandSummary is the web and app split of one brand on one day.
type BrandSummary struct {
	WebPI     int64 `json:"web_pi"`
	AppPI     int64 `json:"app_pi"`
	WebVisits int64 `json:"web_visits"`
	AppVisits int64 `json:"app_visits"`
}

// TotalPI is page impressions across surfaces.
func (s BrandSummary) TotalPI() int64 {
	return s.WebPI + s.AppPI
}

// TotalVisits is visits across surfaces.
func (s BrandSummary) TotalVisits() int64 {
	return s.WebVisits + s.AppVisits
}

// SurfaceGroup maps a surface to web or app, or "" when it is neither.
func SurfaceGroup(surface string) string {
	normalized := strings.ToLower(strings.TrimSpace(surface))
	switch {
	case strings.HasPrefix(normalized, "web"):
		return SurfaceGroupWeb
	case normalized == "app", normalized == "ios", normalized == "android":
		return SurfaceGroupApp
	default:
		return ""
	}
}

// History returns resolved daily values for dates in [target-lookbackDays, target).
func (e *Engine) History(ctx context.Context, subject store.Subject, target time.Time, lookbackDays int) ([]anomaly.Point, error) {
	if lookbackDays <= 0 {
		return nil, fmt.Errorf("lookback days must be positive")
	}
	day := calendar.Day(target)
	totals, err := e.store.ResolvedSeries(ctx, subject, calendar.AddDays(day, -lookbackDays), day)
	if err != nil {
		return nil, err
	}
	points := make([]anomaly.Point, 0, len(totals))
	for _, total := range totals {
		points = append(points, anomaly.Point{Date: total.Date, Value: float64(total.Value)})
	}
	return points, nil
}

// ValueOn returns the resolved value for one date and whether any row exists.
func (e *Engine) ValueOn(ctx context.Context, subject store.Subject, date time.Time) (float64, bool, error) {
	day := calendar.Day(date)
	totals, err := e.store.ResolvedSeries(ctx, subject, day, calendar.AddDays(day, 1))
	if err != nil {
		return 0, false, err
	}
	if len(totals) == 0 {
		return 0, false, nil
	}
	return float64(totals[0].Value), true, nil
}

// DailySummary returns the web and app split per brand for one date.
// Brands without rows are reported with zeros.
func (e *Engine) DailySummary(ctx context.Context, brands []string, date time.Time) (map[string]BrandSummary, error) {
	normalized := make([]string, 0, len(brands))
	for _, brand := range brands {
		if trimmed := strings.ToLower(strings.TrimSpace(brand)); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	if len(normalized) == 0 {
		return map[string]BrandSummary{}, nil
	}

	day := calendar.Day(date)
	totals, err := e.store.ResolvedTotals(ctx, normalized, day, day)
	if err != nil {
		return nil, err
	}

	summaries := make(map[string]BrandSummary, len(normalized))
	for _, brand := range normalized {
		summaries[brand] = BrandSummary{}
	}
	for _, total := range totals {
		summary := summaries[total.Brand]
		group := SurfaceGroup(total.Surface)
		switch {
		case total.Metric == string(sourceapi.MetricPageImpressions) && group == SurfaceGroupWeb:
			summary.WebPI += total.Total
		case total.Metric == string(sourceapi.MetricPageImpressions) && group == SurfaceGroupApp:
			summary.AppPI += total.Total
		case total.Metric == string(sourceapi.MetricVisits) && group == SurfaceGroupWeb:
			summary.WebVisits += total.Total
		case total.Metric == string(sourceapi.MetricVisits) && group == SurfaceGroupApp:
			summary.AppVisits += total.Total
		}
		summaries[total.Brand] = summary
	}
	return summaries, nil
}

// DateRangeSummary returns metric -> surface -> resolved total for [start, end].
// A blank brand covers every brand.
func (e *Engine) DateRangeSummary(ctx context.Context, start, end time.Time, brand string) (map[string]map[string]int64, error) {
	if calendar.Day(end).Before(calendar.Day(start)) {
		return nil, fmt.Errorf("end date %s is before start date %s", calendar.Format(end), calendar.Format(start))
	}
	var brands []string
	if trimmed := strings.TrimSpace(brand); trimmed != "" {
		brands = []string{trimmed}
	}
	totals, err := e.store.ResolvedTotals(ctx, brands, start, end)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]map[string]int64)
	for _, total := range totals {
		bySurface, ok := summary[total.Metric]
		if !ok {
			bySurface = make(map[string]int64)
			summary[total.Metric] = bySurface
		}
		bySurface[total.Surface] += total.Total
	}
	return summary, nil
}

// LatestMeasurement returns the newest stored row for a subject.
func (e *Engine) LatestMeasurement(ctx context.Context, subject store.Subject) (store.Measurement, bool, error) {
	return e.store.LatestMeasurement(ctx, subject)
}

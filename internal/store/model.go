package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrAlertNotFound is returned when an alert id does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// Subject identifies one aggregated series: all sites of a brand and surface for one metric.
type Subject struct {
	Brand   string
	Surface string
	Metric  string
}

// Normalize lowercases brand and surface.
func (s Subject) Normalize() Subject {
	return Subject{
		Brand:   strings.ToLower(strings.TrimSpace(s.Brand)),
		Surface: strings.ToLower(strings.TrimSpace(s.Surface)),
		Metric:  strings.TrimSpace(s.Metric),
	}
}

// String renders the subject as brand/surface/metric.
func (s Subject) String() string {
	return s.Brand + "/" + s.Surface + "/" + s.Metric
}

// Measurement is one stored value for a site, metric, date, and preliminary flag.
type Measurement struct {
	ID          int64
	Brand       string
	Surface     string
	Metric      string
	Date        time.Time
	SiteID      string
	Preliminary bool

	ValueTotal         int64
	ValueNational      *int64
	ValueInternational *int64
	ValueIOMP          *int64
	ValueIOMB          *int64

	ExportedAt *time.Time
	Version    string

	IngestedAt time.Time
	UpdatedAt  time.Time
}

// Subject returns the aggregated series the measurement belongs to.
func (m Measurement) Subject() Subject {
	return Subject{Brand: m.Brand, Surface: m.Surface, Metric: m.Metric}
}

func (m Measurement) identity() string {
	prelim := "f"
	if m.Preliminary {
		prelim = "p"
	}
	return strings.Join([]string{m.Brand, m.Surface, m.Metric, m.Date.Format("2006-01-02"), m.SiteID, prelim}, "|")
}

// UpsertResult counts rows created and rows overwritten by one upsert call.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// DailyTotal is the resolved sum across sites for one date.
type DailyTotal struct {
	Date  time.Time
	Value int64
}

// SurfaceTotal is a resolved sum grouped by brand, surface, and metric.
type SurfaceTotal struct {
	Brand   string
	Surface string
	Metric  string
	Total   int64
}

// Alert is one persisted outlier record.
type Alert struct {
	ID             int64
	Brand          string
	Surface        string
	Metric         string
	Date           time.Time
	Severity       string
	ZScore         float64
	PctDelta       float64
	BaselineMedian float64
	BaselineMAD    *float64
	ActualValue    float64
	Message        string

	Acknowledged   bool
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	NotifiedAt     *time.Time
	CreatedAt      time.Time
}

// MeasurementStore persists measurements and answers resolved-value queries.
// Resolved values prefer the final row over the preliminary row per date and site.
type MeasurementStore interface {
	UpsertMeasurements(ctx context.Context, rows []Measurement) (UpsertResult, error)
	// ResolvedSeries returns per-date sums for dates in [from, to), ascending.
	ResolvedSeries(ctx context.Context, subject Subject, from, to time.Time) ([]DailyTotal, error)
	// ResolvedTotals returns sums grouped by brand, surface, and metric for dates in [start, end].
	ResolvedTotals(ctx context.Context, brands []string, start, end time.Time) ([]SurfaceTotal, error)
	LatestMeasurement(ctx context.Context, subject Subject) (Measurement, bool, error)
	// LatestSnapshot returns the newest row per site, metric, and preliminary flag.
	LatestSnapshot(ctx context.Context) ([]Measurement, error)
}

// AlertStore persists alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert Alert) (Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64, by string, at time.Time) (Alert, error)
	AlertsForDate(ctx context.Context, date time.Time) ([]Alert, error)
	// AlertsSince returns alerts dated on or after since, newest first.
	AlertsSince(ctx context.Context, since time.Time) ([]Alert, error)
	OpenAlertCounts(ctx context.Context) (map[string]int, error)
}

// Store is the full persistence surface.
type Store interface {
	MeasurementStore
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}

// Locker provides TTL locks for job idempotency and backfill dedup.
type Locker interface {
	AcquireJobLock(jobID string, ttl time.Duration, now time.Time) bool
	ReleaseJobLock(jobID string)
	Acquire(key string, ttl time.Duration, now time.Time) bool
	Healthy(ctx context.Context) error
}

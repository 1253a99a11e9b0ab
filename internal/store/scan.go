package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// sqlDate scans DATE columns that drivers return as time.Time, string, or []byte.
type sqlDate struct {
	time.Time
}

func (d *sqlDate) Scan(src any) error {
	parsed, ok, err := scanTimeValue(src)
	if err != nil {
		return err
	}
	if !ok {
		d.Time = time.Time{}
		return nil
	}
	year, month, day := parsed.Date()
	d.Time = time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return nil
}

// sqlTime scans nullable timestamp columns.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqlTime) Scan(src any) error {
	parsed, ok, err := scanTimeValue(src)
	if err != nil {
		return err
	}
	t.Time, t.Valid = parsed.UTC(), ok
	return nil
}

func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func scanTimeValue(src any) (time.Time, bool, error) {
	switch value := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return value, true, nil
	case string:
		return parseTimeText(value)
	case []byte:
		return parseTimeText(string(value))
	default:
		return time.Time{}, false, fmt.Errorf("unsupported time column type %T", src)
	}
}

func parseTimeText(raw string) (time.Time, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unparseable time value %q", raw)
}

func nullInt(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	out := value.Int64
	return &out
}

func nullFloat(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	out := value.Float64
	return &out
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC()
}

type measurementRow struct {
	ID                 int64          `db:"id"`
	Brand              string         `db:"brand"`
	Surface            string         `db:"surface"`
	Metric             string         `db:"metric"`
	Date               sqlDate        `db:"date"`
	SiteID             string         `db:"site_id"`
	Preliminary        bool           `db:"preliminary"`
	ValueTotal         int64          `db:"value_total"`
	ValueNational      sql.NullInt64  `db:"value_national"`
	ValueInternational sql.NullInt64  `db:"value_international"`
	ValueIOMP          sql.NullInt64  `db:"value_iomp"`
	ValueIOMB          sql.NullInt64  `db:"value_iomb"`
	ExportedAt         sqlTime        `db:"exported_at"`
	Version            sql.NullString `db:"version"`
	IngestedAt         sqlTime        `db:"ingested_at"`
	UpdatedAt          sqlTime        `db:"updated_at"`
}

func (r measurementRow) toMeasurement() Measurement {
	return Measurement{
		ID:                 r.ID,
		Brand:              r.Brand,
		Surface:            r.Surface,
		Metric:             r.Metric,
		Date:               r.Date.Time,
		SiteID:             r.SiteID,
		Preliminary:        r.Preliminary,
		ValueTotal:         r.ValueTotal,
		ValueNational:      nullInt(r.ValueNational),
		ValueInternational: nullInt(r.ValueInternational),
		ValueIOMP:          nullInt(r.ValueIOMP),
		ValueIOMB:          nullInt(r.ValueIOMB),
		ExportedAt:         r.ExportedAt.ptr(),
		Version:            r.Version.String,
		IngestedAt:         r.IngestedAt.Time,
		UpdatedAt:          r.UpdatedAt.Time,
	}
}

type alertRow struct {
	ID             int64           `db:"id"`
	Brand          string          `db:"brand"`
	Surface        string          `db:"surface"`
	Metric         string          `db:"metric"`
	Date           sqlDate         `db:"date"`
	Severity       string          `db:"severity"`
	ZScore         float64         `db:"zscore"`
	PctDelta       float64         `db:"pct_delta"`
	BaselineMedian float64         `db:"baseline_median"`
	BaselineMAD    sql.NullFloat64 `db:"baseline_mad"`
	ActualValue    float64         `db:"actual_value"`
	Message        string          `db:"message"`
	Acknowledged   bool            `db:"acknowledged"`
	AcknowledgedBy sql.NullString  `db:"acknowledged_by"`
	AcknowledgedAt sqlTime         `db:"acknowledged_at"`
	NotifiedAt     sqlTime         `db:"notified_at"`
	CreatedAt      sqlTime         `db:"created_at"`
}

func (r alertRow) toAlert() Alert {
	return Alert{
		ID:             r.ID,
		Brand:          r.Brand,
		Surface:        r.Surface,
		Metric:         r.Metric,
		Date:           r.Date.Time,
		Severity:       r.Severity,
		ZScore:         r.ZScore,
		PctDelta:       r.PctDelta,
		BaselineMedian: r.BaselineMedian,
		BaselineMAD:    nullFloat(r.BaselineMAD),
		ActualValue:    r.ActualValue,
		Message:        r.Message,
		Acknowledged:   r.Acknowledged,
		AcknowledgedBy: r.AcknowledgedBy.String,
		AcknowledgedAt: r.AcknowledgedAt.ptr(),
		NotifiedAt:     r.NotifiedAt.ptr(),
		CreatedAt:      r.CreatedAt.Time,
	}
}

type totalRow struct {
	Date  sqlDate `db:"date"`
	Total int64   `db:"total"`
}

type surfaceTotalRow struct {
	Brand   string `db:"brand"`
	Surface string `db:"surface"`
	Metric  string `db:"metric"`
	Total   int64  `db:"total"`
}

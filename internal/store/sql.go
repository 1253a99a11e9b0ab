package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const measurementColumns = `id, brand, surface, metric, date, site_id, preliminary, value_total, value_national,
	value_international, value_iomp, value_iomb, exported_at, version, ingested_at, updated_at`

const alertColumns = `id, brand, surface, metric, date, severity, zscore, pct_delta, baseline_median, baseline_mad,
	actual_value, message, acknowledged, acknowledged_by, acknowledged_at, notified_at, created_at`

// resolvedValue picks the final row over the preliminary row within one date and site group.
const resolvedValue = `COALESCE(MAX(CASE WHEN preliminary THEN NULL ELSE value_total END), MAX(value_total))`

// Options configures a SQL store connection.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// SQLStore persists measurements and alerts in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *zap.Logger

	// Now stamps ingested_at, updated_at, and created_at.
	Now func() time.Time
}

// Open connects, configures the pool, and applies pending migrations.
func Open(ctx context.Context, opts Options, logger ...*zap.Logger) (*SQLStore, error) {
	log := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		log = logger[0]
	}

	var dialect Dialect
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite", "sqlite3":
		dialect = DialectSQLite
	case "postgres", "postgresql", "pgx":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("store dsn is required")
	}
	if dialect == DialectSQLite && !strings.Contains(dsn, "busy_timeout") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + "_pragma=busy_timeout(5000)"
	}

	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	if opts.ConnectBackoff > 0 {
		policy.InitialInterval = opts.ConnectBackoff
	}
	policy.MaxElapsedTime = 0

	var db *sqlx.DB
	connect := func() error {
		conn, err := sqlx.ConnectContext(ctx, string(dialect), dsn)
		if err != nil {
			return err
		}
		db = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("store connect failed; retrying",
			zap.String("driver", string(dialect)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)
	if err := backoff.RetryNotify(connect, retryPolicy, notify); err != nil {
		return nil, fmt.Errorf("connect %s store: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One connection serializes writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	store := &SQLStore{db: db, dialect: dialect, logger: log, Now: time.Now}
	ran, err := migrate(ctx, db, dialect, store.now())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(ran) > 0 {
		log.Info("store migrations applied", zap.String("driver", string(dialect)), zap.Ints("versions", ran))
	}
	return store, nil
}

// Dialect reports the SQL flavour in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sql store is not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertMeasurements writes rows in one transaction, updating rows whose identity already exists.
func (s *SQLStore) UpsertMeasurements(ctx context.Context, rows []Measurement) (UpsertResult, error) {
	result := UpsertResult{}
	if len(rows) == 0 {
		return result, nil
	}
	normalized := make([]Measurement, 0, len(rows))
	for _, row := range rows {
		clean, err := normalizeMeasurement(row)
		if err != nil {
			return result, err
		}
		normalized = append(normalized, clean)
	}

	now := s.now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existsQuery := tx.Rebind(`SELECT COUNT(1) FROM measurements
		WHERE brand = ? AND surface = ? AND metric = ? AND date = ? AND site_id = ? AND preliminary = ?`)
	upsertQuery := tx.Rebind(s.dialect.upsertMeasurementStatement())

	for _, row := range normalized {
		day := row.Date.Format("2006-01-02")
		args := []any{
			row.Brand, row.Surface, row.Metric, day, row.SiteID, row.Preliminary,
			row.ValueTotal, row.ValueNational, row.ValueInternational, row.ValueIOMP, row.ValueIOMB,
			nullTime(row.ExportedAt), nullString(row.Version), now, now,
		}

		var inserted bool
		if s.dialect == DialectPostgres {
			// xmax is zero only for a row version created by this insert.
			if err := tx.GetContext(ctx, &inserted, upsertQuery, args...); err != nil {
				return UpsertResult{}, fmt.Errorf("upsert measurement %s: %w", row.identity(), err)
			}
		} else {
			var existing int
			if err := tx.GetContext(ctx, &existing, existsQuery,
				row.Brand, row.Surface, row.Metric, day, row.SiteID, row.Preliminary,
			); err != nil {
				return UpsertResult{}, fmt.Errorf("check measurement %s: %w", row.identity(), err)
			}
			if _, err := tx.ExecContext(ctx, upsertQuery, args...); err != nil {
				return UpsertResult{}, fmt.Errorf("upsert measurement %s: %w", row.identity(), err)
			}
			inserted = existing == 0
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return result, nil
}

// ResolvedSeries returns per-date totals across sites for dates in [from, to).
func (s *SQLStore) ResolvedSeries(ctx context.Context, subject Subject, from, to time.Time) ([]DailyTotal, error) {
	subject = subject.Normalize()
	query := s.db.Rebind(`SELECT date, SUM(resolved) AS total FROM (
			SELECT date, site_id, ` + resolvedValue + ` AS resolved
			FROM measurements
			WHERE brand = ? AND surface = ? AND metric = ? AND date >= ? AND date < ?
			GROUP BY date, site_id
		) per_site
		GROUP BY date
		ORDER BY date`)

	var rows []totalRow
	if err := s.db.SelectContext(ctx, &rows, query,
		subject.Brand, subject.Surface, subject.Metric, formatDate(from), formatDate(to),
	); err != nil {
		return nil, fmt.Errorf("query resolved series for %s: %w", subject, err)
	}

	out := make([]DailyTotal, 0, len(rows))
	for _, row := range rows {
		out = append(out, DailyTotal{Date: row.Date.Time, Value: row.Total})
	}
	return out, nil
}

// ResolvedTotals sums resolved values by brand, surface, and metric over [start, end].
// An empty brand list matches every brand.
func (s *SQLStore) ResolvedTotals(ctx context.Context, brands []string, start, end time.Time) ([]SurfaceTotal, error) {
	args := []any{formatDate(start), formatDate(end)}
	brandFilter := ""
	if len(brands) > 0 {
		brandFilter = " AND brand IN (?)"
		args = append(args, lowerAll(brands))
	}

	query, args, err := sqlx.In(`SELECT brand, surface, metric, SUM(resolved) AS total FROM (
			SELECT brand, surface, metric, date, site_id, `+resolvedValue+` AS resolved
			FROM measurements
			WHERE date >= ? AND date <= ?`+brandFilter+`
			GROUP BY brand, surface, metric, date, site_id
		) per_site
		GROUP BY brand, surface, metric
		ORDER BY brand, surface, metric`, args...)
	if err != nil {
		return nil, fmt.Errorf("expand brand filter: %w", err)
	}

	var rows []surfaceTotalRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query resolved totals: %w", err)
	}
	out := make([]SurfaceTotal, 0, len(rows))
	for _, row := range rows {
		out = append(out, SurfaceTotal(row))
	}
	return out, nil
}

// LatestMeasurement returns the newest row for a subject.
func (s *SQLStore) LatestMeasurement(ctx context.Context, subject Subject) (Measurement, bool, error) {
	subject = subject.Normalize()
	query := s.db.Rebind(`SELECT ` + measurementColumns + ` FROM measurements
		WHERE brand = ? AND surface = ? AND metric = ?
		ORDER BY date DESC, updated_at DESC, id DESC
		LIMIT 1`)

	var row measurementRow
	err := s.db.GetContext(ctx, &row, query, subject.Brand, subject.Surface, subject.Metric)
	if errors.Is(err, sql.ErrNoRows) {
		return Measurement{}, false, nil
	}
	if err != nil {
		return Measurement{}, false, fmt.Errorf("query latest measurement for %s: %w", subject, err)
	}
	return row.toMeasurement(), true, nil
}

// LatestSnapshot returns the newest row per site, metric, and preliminary flag.
func (s *SQLStore) LatestSnapshot(ctx context.Context) ([]Measurement, error) {
	query := `SELECT m.id, m.brand, m.surface, m.metric, m.date, m.site_id, m.preliminary, m.value_total,
			m.value_national, m.value_international, m.value_iomp, m.value_iomb, m.exported_at, m.version,
			m.ingested_at, m.updated_at
		FROM measurements m
		JOIN (
			SELECT brand, surface, metric, site_id, preliminary, MAX(date) AS max_date
			FROM measurements
			GROUP BY brand, surface, metric, site_id, preliminary
		) latest
		ON m.brand = latest.brand AND m.surface = latest.surface AND m.metric = latest.metric
			AND m.site_id = latest.site_id AND m.preliminary = latest.preliminary AND m.date = latest.max_date
		ORDER BY m.brand, m.surface, m.metric, m.site_id, m.preliminary`

	var rows []measurementRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	out := make([]Measurement, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toMeasurement())
	}
	return out, nil
}

// InsertAlert persists a new alert and returns it with its id.
func (s *SQLStore) InsertAlert(ctx context.Context, alert Alert) (Alert, error) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	alert.Brand = strings.ToLower(alert.Brand)
	alert.Surface = strings.ToLower(alert.Surface)
	alert.Date = dayOf(alert.Date)

	query := s.db.Rebind(`INSERT INTO alerts (brand, surface, metric, date, severity, zscore, pct_delta,
			baseline_median, baseline_mad, actual_value, message, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	if err := s.db.QueryRowxContext(ctx, query,
		alert.Brand, alert.Surface, alert.Metric, formatDate(alert.Date), alert.Severity,
		alert.ZScore, alert.PctDelta, alert.BaselineMedian, alert.BaselineMAD, alert.ActualValue,
		alert.Message, false, alert.CreatedAt.UTC(),
	).Scan(&id); err != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	alert.ID = id
	alert.Acknowledged = false
	alert.AcknowledgedBy = ""
	alert.AcknowledgedAt = nil
	return alert, nil
}

// AcknowledgeAlert marks an alert acknowledged. Repeat calls keep the first acknowledger.
func (s *SQLStore) AcknowledgeAlert(ctx context.Context, id int64, by string, at time.Time) (Alert, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Alert{}, fmt.Errorf("begin acknowledge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE alerts
		SET acknowledged = ?, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = ?`),
		true, nullString(by), at.UTC(), id, false,
	); err != nil {
		return Alert{}, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}

	var row alertRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Alert{}, fmt.Errorf("acknowledge alert %d: %w", id, ErrAlertNotFound)
	}
	if err != nil {
		return Alert{}, fmt.Errorf("read alert %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Alert{}, fmt.Errorf("commit acknowledge: %w", err)
	}
	return row.toAlert(), nil
}

// AlertsForDate returns the alerts for one date in creation order.
func (s *SQLStore) AlertsForDate(ctx context.Context, date time.Time) ([]Alert, error) {
	return s.selectAlerts(ctx, `WHERE date = ? ORDER BY id`, formatDate(date))
}

// AlertsSince returns alerts dated on or after since, newest first.
func (s *SQLStore) AlertsSince(ctx context.Context, since time.Time) ([]Alert, error) {
	return s.selectAlerts(ctx, `WHERE date >= ? ORDER BY date DESC, id DESC`, formatDate(since))
}

// OpenAlertCounts counts unacknowledged alerts per severity.
func (s *SQLStore) OpenAlertCounts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Severity string `db:"severity"`
		Count    int    `db:"n"`
	}
	query := s.db.Rebind(`SELECT severity, COUNT(1) AS n FROM alerts WHERE acknowledged = ? GROUP BY severity`)
	if err := s.db.SelectContext(ctx, &rows, query, false); err != nil {
		return nil, fmt.Errorf("count open alerts: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Severity] = row.Count
	}
	return counts, nil
}

func (s *SQLStore) selectAlerts(ctx context.Context, clause string, args ...any) ([]Alert, error) {
	var rows []alertRow
	query := s.db.Rebind(`SELECT ` + alertColumns + ` FROM alerts ` + clause)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	out := make([]Alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAlert())
	}
	return out, nil
}

func (s *SQLStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func normalizeMeasurement(row Measurement) (Measurement, error) {
	row.Brand = strings.ToLower(strings.TrimSpace(row.Brand))
	row.Surface = strings.ToLower(strings.TrimSpace(row.Surface))
	row.Metric = strings.TrimSpace(row.Metric)
	row.SiteID = strings.TrimSpace(row.SiteID)
	row.Date = dayOf(row.Date)

	switch {
	case row.Brand == "":
		return row, fmt.Errorf("measurement brand is required")
	case row.Surface == "":
		return row, fmt.Errorf("measurement surface is required")
	case row.Metric == "":
		return row, fmt.Errorf("measurement metric is required")
	case row.SiteID == "":
		return row, fmt.Errorf("measurement site id is required")
	case row.Date.IsZero():
		return row, fmt.Errorf("measurement date is required")
	}
	return row, nil
}

func dayOf(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func formatDate(t time.Time) string {
	return dayOf(t).Format("2006-01-02")
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, strings.ToLower(strings.TrimSpace(value)))
	}
	return out
}

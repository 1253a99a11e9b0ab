package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Dialect selects the SQL flavour for DDL.
type Dialect string

const (
	// DialectSQLite targets modernc.org/sqlite.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres targets lib/pq.
	DialectPostgres Dialect = "postgres"
)

type migration struct {
	version    int
	statements []string
}

// Placeholders {{ID}} and {{TS}} are expanded per dialect.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS measurements (
				id {{ID}},
				brand TEXT NOT NULL,
				surface TEXT NOT NULL,
				metric TEXT NOT NULL,
				date DATE NOT NULL,
				site_id TEXT NOT NULL,
				preliminary BOOLEAN NOT NULL,
				value_total BIGINT NOT NULL,
				value_national BIGINT,
				value_international BIGINT,
				value_iomp BIGINT,
				value_iomb BIGINT,
				exported_at {{TS}},
				version TEXT,
				ingested_at {{TS}} NOT NULL,
				updated_at {{TS}} NOT NULL,
				CONSTRAINT uq_measurement_identity UNIQUE (brand, surface, metric, date, site_id, preliminary)
			)`,
			`CREATE INDEX IF NOT EXISTS ix_measurement_lookup ON measurements (brand, surface, metric, date)`,
			`CREATE INDEX IF NOT EXISTS ix_measurement_date ON measurements (date)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS alerts (
				id {{ID}},
				brand TEXT NOT NULL,
				surface TEXT NOT NULL,
				metric TEXT NOT NULL,
				date DATE NOT NULL,
				severity TEXT NOT NULL,
				zscore DOUBLE PRECISION NOT NULL,
				pct_delta DOUBLE PRECISION NOT NULL,
				baseline_median DOUBLE PRECISION NOT NULL,
				baseline_mad DOUBLE PRECISION,
				actual_value DOUBLE PRECISION NOT NULL,
				message TEXT NOT NULL,
				acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
				acknowledged_by TEXT,
				acknowledged_at {{TS}},
				notified_at {{TS}},
				created_at {{TS}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS ix_alert_lookup ON alerts (brand, surface, metric, date)`,
			`CREATE INDEX IF NOT EXISTS ix_alert_date ON alerts (date)`,
			`CREATE INDEX IF NOT EXISTS ix_alert_acknowledged ON alerts (acknowledged)`,
		},
	},
}

func (d Dialect) expand(statement string) string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TIMESTAMP"
	if d == DialectPostgres {
		id = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{ID}}", id, "{{TS}}", ts).Replace(statement)
}

// upsertMeasurementStatement inserts one measurement or updates it in place.
// On postgres it returns whether the row was newly inserted, which stays
// accurate when concurrent writers race on a new identity.
func (d Dialect) upsertMeasurementStatement() string {
	statement := `INSERT INTO measurements (brand, surface, metric, date, site_id, preliminary,
			value_total, value_national, value_international, value_iomp, value_iomb,
			exported_at, version, ingested_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (brand, surface, metric, date, site_id, preliminary) DO UPDATE SET
			value_total = excluded.value_total,
			value_national = excluded.value_national,
			value_international = excluded.value_international,
			value_iomp = excluded.value_iomp,
			value_iomb = excluded.value_iomb,
			exported_at = excluded.exported_at,
			version = excluded.version,
			updated_at = excluded.updated_at`
	if d == DialectPostgres {
		statement += "\n\t\tRETURNING (xmax = 0) AS inserted"
	}
	return statement
}

// migrate applies every pending migration in order, one transaction each.
func migrate(ctx context.Context, db *sqlx.DB, dialect Dialect, now time.Time) ([]int, error) {
	if _, err := db.ExecContext(ctx, dialect.expand(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at {{TS}} NOT NULL
	)`)); err != nil {
		return nil, fmt.Errorf("create schema_versions: %w", err)
	}

	var applied []int
	if err := db.SelectContext(ctx, &applied, `SELECT version FROM schema_versions ORDER BY version`); err != nil {
		return nil, fmt.Errorf("read schema versions: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, version := range applied {
		done[version] = true
	}

	var ran []int
	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, dialect, m, now); err != nil {
			return ran, err
		}
		ran = append(ran, m.version)
	}
	return ran, nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, dialect Dialect, m migration, now time.Time) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, statement := range m.statements {
		if _, err := tx.ExecContext(ctx, dialect.expand(statement)); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`), m.version, now.UTC()); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

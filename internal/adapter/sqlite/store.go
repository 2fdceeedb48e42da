// Package sqlite keeps the merged table and a run history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS merged_records (
  city               TEXT NOT NULL,
  date               TEXT NOT NULL,
  temperature_max_f  REAL,
  temperature_min_f  REAL,
  temperature_avg_f  REAL,
  demand_mwh         REAL,
  data_quality_flags TEXT NOT NULL DEFAULT '',
  run_id             TEXT NOT NULL,
  PRIMARY KEY (city, date)
);
CREATE INDEX IF NOT EXISTS idx_merged_records_date ON merged_records(date);

CREATE TABLE IF NOT EXISTS runs (
  run_id       TEXT PRIMARY KEY,
  status       TEXT NOT NULL,
  range_start  TEXT NOT NULL,
  range_end    TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  finished_at  TEXT NOT NULL,
  row_count    INTEGER NOT NULL,
  flagged_rows INTEGER NOT NULL,
  report       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// A single writer avoids "database is locked" between loads.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Store upserts merged rows keyed by (city, date) and appends run history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Name returns the sink label.
func (s *Store) Name() string { return "sqlite" }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Load writes res in one transaction. Rows for the same (city, date) from a
// later run replace earlier ones.
func (s *Store) Load(ctx context.Context, res *pipeline.RunResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO merged_records (city, date, temperature_max_f, temperature_min_f, temperature_avg_f, demand_mwh, data_quality_flags, run_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(city, date) DO UPDATE SET
  temperature_max_f  = excluded.temperature_max_f,
  temperature_min_f  = excluded.temperature_min_f,
  temperature_avg_f  = excluded.temperature_avg_f,
  demand_mwh         = excluded.demand_mwh,
  data_quality_flags = excluded.data_quality_flags,
  run_id             = excluded.run_id`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range res.Merged {
		row := r.CSVRow()
		if _, err = stmt.ExecContext(ctx,
			r.City,
			row[1],
			nullable(r.TemperatureMaxF),
			nullable(r.TemperatureMinF),
			nullable(r.TemperatureAvgF),
			nullable(r.DemandMWh),
			row[6],
			res.RunID,
		); err != nil {
			return fmt.Errorf("upsert %s %s: %w", r.City, row[1], err)
		}
	}

	sum := res.Summary()
	report, err := json.Marshal(res.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO runs (run_id, status, range_start, range_end, started_at, finished_at, row_count, flagged_rows, report)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID,
		sum.Status,
		sum.RangeStart,
		sum.RangeEnd,
		sum.StartedAt.UTC().Format(timeLayout),
		sum.FinishedAt.UTC().Format(timeLayout),
		sum.RowCount,
		sum.FlaggedRows,
		string(report),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("run stored", "run_id", res.RunID, "rows", len(res.Merged))
	return nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]pipeline.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, status, range_start, range_end, started_at, finished_at, row_count, flagged_rows
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RunSummary
	for rows.Next() {
		var r pipeline.RunSummary
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Status, &r.RangeStart, &r.RangeEnd, &started, &finished, &r.RowCount, &r.FlaggedRows); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MergedRows returns stored rows for city within dr, ordered by date.
func (s *Store) MergedRows(ctx context.Context, city string, dr domain.DateRange) ([]domain.MergedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT city, date, temperature_max_f, temperature_min_f, temperature_avg_f, demand_mwh, data_quality_flags
FROM merged_records WHERE city = ? AND date BETWEEN ? AND ? ORDER BY date`,
		city, dr.StartString(), dr.EndString())
	if err != nil {
		return nil, fmt.Errorf("query merged rows: %w", err)
	}
	defer rows.Close()

	var out []domain.MergedRecord
	for rows.Next() {
		var (
			r                domain.MergedRecord
			date, flags      string
			tmax, tmin, tavg sql.NullFloat64
			demand           sql.NullFloat64
		)
		if err := rows.Scan(&r.City, &date, &tmax, &tmin, &tavg, &demand, &flags); err != nil {
			return nil, fmt.Errorf("scan merged row: %w", err)
		}
		if r.Date, err = time.Parse("2006-01-02", date); err != nil {
			return nil, fmt.Errorf("parse date: %w", err)
		}
		r.TemperatureMaxF = fromNull(tmax)
		r.TemperatureMinF = fromNull(tmin)
		r.TemperatureAvgF = fromNull(tavg)
		r.DemandMWh = fromNull(demand)
		if flags != "" {
			for _, f := range strings.Split(flags, ";") {
				r.DataQualityFlags = append(r.DataQualityFlags, domain.Flag(f))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return domain.Float(v.Float64)
}

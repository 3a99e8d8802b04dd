package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/renkei/internal/model"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kpi_records (
	domain     TEXT NOT NULL,
	metric     TEXT NOT NULL,
	value      REAL NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (domain, metric)
);`

// SQLite is a file-backed Store using the cgo-free modernc driver.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// WAL mode and a busy timeout keep concurrent agent writes from failing
// with SQLITE_BUSY under normal contention.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context, domain model.Domain, metric model.Metric) (model.KPIRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT domain, metric, value, version, updated_at FROM kpi_records WHERE domain = ? AND metric = ?`,
		string(domain), string(metric))
	return scanRecord(row)
}

// LoadAll implements Store.
func (s *SQLite) LoadAll(ctx context.Context) ([]model.KPIRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, metric, value, version, updated_at FROM kpi_records ORDER BY domain, metric`)
	if err != nil {
		return nil, fmt.Errorf("storage: load all: %w", err)
	}
	defer rows.Close()

	var out []model.KPIRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save implements Store. The version guard lives in the upsert's WHERE
// clause, so a lost race surfaces as zero affected rows.
func (s *SQLite) Save(ctx context.Context, rec model.KPIRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kpi_records (domain, metric, value, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain, metric) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version > kpi_records.version`,
		string(rec.Domain), string(rec.Metric), rec.Value, rec.Version,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", rec.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: save %s: rows affected: %w", rec.Key(), err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.KPIRecord, error) {
	var rec model.KPIRecord
	var domain, metric, updatedAt string
	err := row.Scan(&domain, &metric, &rec.Value, &rec.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.KPIRecord{}, ErrNotFound
	}
	if err != nil {
		return model.KPIRecord{}, fmt.Errorf("storage: scan record: %w", err)
	}
	rec.Domain = model.Domain(domain)
	rec.Metric = model.Metric(metric)
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return model.KPIRecord{}, fmt.Errorf("storage: parse updated_at: %w", err)
	}
	rec.UpdatedAt = ts
	return rec, nil
}

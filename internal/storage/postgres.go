package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/renkei/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kpi_records (
	domain     TEXT NOT NULL,
	metric     TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (domain, metric)
);`

// Postgres is a pgxpool-backed Store for deployments that share KPI state
// across multiple engine processes.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects a pool, verifies it with a ping, and ensures the
// kpi_records table exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Load implements Store.
func (p *Postgres) Load(ctx context.Context, domain model.Domain, metric model.Metric) (model.KPIRecord, error) {
	var rec model.KPIRecord
	err := p.pool.QueryRow(ctx,
		`SELECT domain, metric, value, version, updated_at FROM kpi_records WHERE domain = $1 AND metric = $2`,
		string(domain), string(metric)).
		Scan(&rec.Domain, &rec.Metric, &rec.Value, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.KPIRecord{}, ErrNotFound
	}
	if err != nil {
		return model.KPIRecord{}, fmt.Errorf("storage: load %s/%s: %w", domain, metric, err)
	}
	return rec, nil
}

// LoadAll implements Store.
func (p *Postgres) LoadAll(ctx context.Context) ([]model.KPIRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT domain, metric, value, version, updated_at FROM kpi_records ORDER BY domain, metric`)
	if err != nil {
		return nil, fmt.Errorf("storage: load all: %w", err)
	}
	defer rows.Close()

	var out []model.KPIRecord
	for rows.Next() {
		var rec model.KPIRecord
		if err := rows.Scan(&rec.Domain, &rec.Metric, &rec.Value, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save implements Store. The upsert only wins when the incoming version is
// strictly newer, so concurrent writers race on version, not on content.
func (p *Postgres) Save(ctx context.Context, rec model.KPIRecord) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO kpi_records (domain, metric, value, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (domain, metric) DO UPDATE SET
			value = EXCLUDED.value,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.version > kpi_records.version`,
		string(rec.Domain), string(rec.Metric), rec.Value, rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", rec.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

package exporter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS %[1]s (
	time        TIMESTAMPTZ      NOT NULL,
	measurement TEXT             NOT NULL,
	host        TEXT             NOT NULL,
	if_name     TEXT             NOT NULL,
	field       TEXT             NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	tags        JSONB            NOT NULL,
	PRIMARY KEY (time, measurement, host, if_name, field)
)`

const postgresInsert = `INSERT INTO %s (time, measurement, host, if_name, field, value, tags)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING`

// Postgres writes one row per metric field. The primary key makes a retried
// batch idempotent. Works unchanged on TimescaleDB hypertables.
type Postgres struct {
	name   string
	pool   *pgxpool.Pool
	insert string
	logger *zap.Logger
}

func NewPostgres(ctx context.Context, cfg config.ExporterConfig, logger *zap.Logger) (*Postgres, error) {
	dsn, err := config.Secret(cfg.DSNEnv)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &config.Error{Op: "postgres dsn", Err: err}
	}
	if cfg.Timeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.Timeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(postgresSchema, cfg.Table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
	}
	return &Postgres{
		name:   cfg.Name,
		pool:   pool,
		insert: fmt.Sprintf(postgresInsert, cfg.Table),
		logger: logger,
	}, nil
}

func (e *Postgres) Name() string { return e.name }

func (e *Postgres) Export(ctx context.Context, batch []model.Metric) error {
	b := &pgx.Batch{}
	for _, m := range batch {
		for _, field := range sortedFields(m.Fields) {
			b.Queue(e.insert, m.Timestamp, m.Measurement, m.Tags[model.TagHost], m.Tags[model.TagIfName],
				field, m.Fields[field], m.Tags)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return classifyPostgres(e.pool.SendBatch(ctx, b).Close())
}

func (e *Postgres) Close(context.Context) error {
	e.pool.Close()
	return nil
}

// classifyPostgres: data, constraint and schema errors (SQLSTATE classes 22,
// 23, 42) and rejected logins (28) are fatal; connection loss, serialization
// failures, resource exhaustion and shutdowns are retried.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "28", "42":
			return Fatal(err)
		}
	}
	return err
}

func sortedFields(fields map[string]float64) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

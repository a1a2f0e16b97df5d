package exporter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    ts          INTEGER NOT NULL,
    measurement TEXT NOT NULL,
    host        TEXT NOT NULL,
    if_name     TEXT NOT NULL,
    field       TEXT NOT NULL,
    value       REAL NOT NULL,
    tags        TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_key ON %[1]s(ts, measurement, host, if_name, field);
`

// SQLite keeps a local archive of every metric, one row per field. Rows are
// keyed so a retried batch replaces instead of duplicating.
type SQLite struct {
	name   string
	db     *sql.DB
	insert string
	logger *zap.Logger
}

// NewSQLite opens (or creates) the database file and its table.
func NewSQLite(ctx context.Context, cfg config.ExporterConfig, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(sqliteSchema, cfg.Table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
	}
	logger.Info("sqlite archive ready", zap.String("path", cfg.Path), zap.String("table", cfg.Table))

	insert := fmt.Sprintf(`INSERT OR REPLACE INTO %s (ts, measurement, host, if_name, field, value, tags)
VALUES (?, ?, ?, ?, ?, ?, ?)`, cfg.Table)
	return &SQLite{
		name:   cfg.Name,
		db:     db,
		insert: insert,
		logger: logger,
	}, nil
}

func (e *SQLite) Name() string { return e.name }

// Export stores the batch in a single transaction.
func (e *SQLite) Export(ctx context.Context, batch []model.Metric) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("begin tx: %w", err))
	}
	stmt, err := tx.PrepareContext(ctx, e.insert)
	if err != nil {
		_ = tx.Rollback()
		return classifySQLite(fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, m := range batch {
		tags, err := json.Marshal(m.Tags)
		if err != nil {
			_ = tx.Rollback()
			return Fatal(fmt.Errorf("encode tags: %w", err))
		}
		for _, field := range sortedFields(m.Fields) {
			if _, err := stmt.ExecContext(ctx, m.Timestamp.UnixNano(), m.Measurement,
				m.Tags[model.TagHost], m.Tags[model.TagIfName], field, m.Fields[field], string(tags)); err != nil {
				_ = tx.Rollback()
				return classifySQLite(fmt.Errorf("insert %s: %w", m.Measurement, err))
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (e *SQLite) Close(context.Context) error {
	return e.db.Close()
}

// classifySQLite: a busy or locked database, a full disk and I/O errors may
// clear up; any other engine error (constraint, read-only, corrupt file) is
// fatal.
func classifySQLite(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR:
		return err
	}
	return Fatal(err)
}

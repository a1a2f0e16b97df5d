// Package exporter delivers metric batches to storage backends.
package exporter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

// Exporter writes one batch to a backend. A returned error is retryable
// unless wrapped with Fatal.
type Exporter interface {
	Name() string
	Export(ctx context.Context, batch []model.Metric) error
	Close(ctx context.Context) error
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as not retryable: the batch is dropped at once.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// New builds the exporter described by cfg. Credentials are read from the
// environment variables cfg names.
func New(ctx context.Context, cfg config.ExporterConfig, logger *zap.Logger) (Exporter, error) {
	logger = logger.Named("exporter").With(zap.String("exporter", cfg.Name))
	switch cfg.Type {
	case "influxdb":
		return NewInfluxDB(cfg, logger)
	case "nats":
		return NewNATS(ctx, cfg, logger)
	case "kafka":
		return NewKafka(cfg, logger)
	case "postgres":
		return NewPostgres(ctx, cfg, logger)
	case "sqlite":
		return NewSQLite(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown exporter type %q", cfg.Type)
}

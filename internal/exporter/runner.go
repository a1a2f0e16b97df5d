package exporter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/internal/queue"
	"github.com/optics-collector/pkg/config"
	"github.com/optics-collector/pkg/metrics"
)

// Reasons for metrics dropped after leaving the queue.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonFatal            = "fatal"
)

// Runner drains one exporter's queue. Each exporter has its own Runner, so
// a failing backend never delays the others.
type Runner struct {
	exp     Exporter
	q       *queue.Queue
	batch   config.QueueConfig
	retry   config.ExportConfig
	metrics *metrics.Pipeline
	logger  *zap.Logger
}

func NewRunner(exp Exporter, q *queue.Queue, batch config.QueueConfig, retry config.ExportConfig, m *metrics.Pipeline, logger *zap.Logger) *Runner {
	return &Runner{
		exp:     exp,
		q:       q,
		batch:   batch,
		retry:   retry,
		metrics: m,
		logger:  logger.Named("runner").With(zap.String("exporter", exp.Name())),
	}
}

// Run exports batches until the queue is closed and drained, or ctx is
// done. On ctx cancellation whatever is still queued is discarded and
// counted.
func (r *Runner) Run(ctx context.Context) {
	depth := r.metrics.QueueDepth.WithLabelValues(r.exp.Name())
	for {
		batch := r.q.DequeueBatch(ctx, r.batch.BatchSize, r.batch.FlushInterval)
		depth.Set(float64(r.q.Len()))

		if ctx.Err() != nil {
			n := len(batch) + r.q.Discard()
			if len(batch) > 0 {
				r.metrics.QueueDropped.WithLabelValues(r.exp.Name(), queue.ReasonShutdown).Add(float64(len(batch)))
			}
			if n > 0 {
				r.logger.Warn("shutdown grace expired, discarding queued metrics", zap.Int("count", n))
			}
			depth.Set(0)
			return
		}
		if len(batch) > 0 {
			r.deliver(ctx, batch)
			continue
		}
		if r.q.Closed() && r.q.Len() == 0 {
			r.logger.Info("queue drained")
			return
		}
	}
}

// deliver exports one batch, retrying retryable errors with exponential
// backoff. A fatal error drops the batch without retrying.
func (r *Runner) deliver(ctx context.Context, batch []model.Metric) {
	id := uuid.NewString()
	log := r.logger.With(zap.String("batch", id), zap.Int("count", len(batch)))

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := r.exp.Export(ctx, batch)
		if err != nil && IsFatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.retry.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.metrics.ExportRetries.WithLabelValues(r.exp.Name()).Inc()
			log.Warn("export failed, retrying", zap.Int("attempt", attempts), zap.Duration("backoff", next), zap.Error(err))
		}),
	)

	name := r.exp.Name()
	switch {
	case err == nil:
		r.metrics.ExportBatches.WithLabelValues(name, metrics.ExportOK).Inc()
		r.metrics.ExportedMetrics.WithLabelValues(name).Add(float64(len(batch)))
		log.Debug("batch exported", zap.Int("attempts", attempts))
	case IsFatal(err):
		r.metrics.ExportBatches.WithLabelValues(name, metrics.ExportFatal).Inc()
		r.metrics.QueueDropped.WithLabelValues(name, ReasonFatal).Add(float64(len(batch)))
		log.Error("batch rejected, dropped", zap.Error(err))
	case ctx.Err() != nil:
		r.metrics.ExportBatches.WithLabelValues(name, metrics.ExportDropped).Inc()
		r.metrics.QueueDropped.WithLabelValues(name, queue.ReasonShutdown).Add(float64(len(batch)))
		log.Warn("batch abandoned at shutdown", zap.Int("attempts", attempts), zap.Error(err))
	default:
		r.metrics.ExportBatches.WithLabelValues(name, metrics.ExportDropped).Inc()
		r.metrics.QueueDropped.WithLabelValues(name, ReasonRetriesExhausted).Add(float64(len(batch)))
		log.Error("batch dropped after retries", zap.Int("attempts", attempts), zap.Error(err))
	}
}

// newBackOff spaces retries by non-decreasing intervals: no jitter, capped
// at MaxBackoff.
func (r *Runner) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialBackoff
	b.MaxInterval = r.retry.MaxBackoff
	b.RandomizationFactor = 0
	if r.retry.Multiplier >= 1 {
		b.Multiplier = r.retry.Multiplier
	}
	b.Reset()
	return b
}

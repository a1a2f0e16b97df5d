// Package poller runs one poll cycle of a device: driver lookup, bounded
// retries, failure tracking with cool-down, normalization and enqueue.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/optics-collector/internal/driver"
	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/internal/normalize"
	"github.com/optics-collector/pkg/config"
	"github.com/optics-collector/pkg/metrics"
)

// Sink receives the metrics of one successful poll as a single batch.
type Sink interface {
	Enqueue(ctx context.Context, batch []model.Metric) error
}

// Outcome is the result of one poll cycle.
type Outcome int

const (
	OutcomeOK       Outcome = iota
	OutcomeFailed           // retries exhausted below the failure threshold
	OutcomeDown             // device marked down, skipped for the cool-down
	OutcomeSkipped          // device still cooling down, nothing attempted
	OutcomeCanceled         // parent context ended mid-cycle
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeDown:
		return "down"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "canceled"
	}
}

var errNoReading = errors.New("driver returned no reading")

// Poller is shared by all device tasks. Per-device state lives in Device.
type Poller struct {
	cfg        config.PollConfig
	registry   *driver.Registry
	normalizer *normalize.Normalizer
	sink       Sink
	clock      clockwork.Clock
	limiter    *rate.Limiter
	metrics    *metrics.Pipeline
	logger     *zap.Logger
}

// New 创建轮询器；cfg.ConnectRate 为 0 表示不限速
func New(cfg config.PollConfig, registry *driver.Registry, sink Sink, clk clockwork.Clock, m *metrics.Pipeline, logger *zap.Logger) *Poller {
	p := &Poller{
		cfg:        cfg,
		registry:   registry,
		normalizer: normalize.New(normalize.Options{IncludeLinkDown: cfg.IncludeLinkDown}),
		sink:       sink,
		clock:      clk,
		metrics:    m,
		logger:     logger.Named("poller"),
	}
	if cfg.ConnectRate > 0 {
		burst := int(cfg.ConnectRate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), burst)
	}
	return p
}

// Poll runs one cycle for d. It must only be called from the goroutine that
// owns d.
func (p *Poller) Poll(ctx context.Context, d *Device) Outcome {
	now := p.clock.Now()
	log := p.logger.With(zap.String("device", d.dev.Host), zap.String("platform", d.dev.Platform))

	recovering := false
	if d.down {
		if now.Before(d.skipUntil) {
			p.metrics.PollsTotal.WithLabelValues(metrics.ResultSkipped).Inc()
			d.publish(StateSkipped, now)
			return OutcomeSkipped
		}
		recovering = true
		log.Info("cool-down over, attempting recovery")
	}

	drv, err := p.registry.Resolve(d.dev.Platform)
	if err != nil {
		p.metrics.PollsTotal.WithLabelValues(metrics.ResultError).Inc()
		d.failures++
		return p.markDown(d, err, log)
	}

	attempts := 1 + p.cfg.MaxRetries
	if recovering {
		attempts = 1
	}

	d.publish(StatePolling, now)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			d.publish(StateRetrying, p.clock.Now())
			if err := sleep(ctx, p.cfg.RetryDelay); err != nil {
				d.publish(StateIdle, p.clock.Now())
				return OutcomeCanceled
			}
		}

		reading, err := p.attempt(ctx, drv, d.dev)
		if err == nil {
			return p.succeed(ctx, d, reading, log)
		}
		if ctx.Err() != nil {
			// shutdown, not a device failure
			d.publish(StateIdle, p.clock.Now())
			return OutcomeCanceled
		}

		d.failures++
		d.lastErr = err
		log.Warn("poll attempt failed",
			zap.Int("attempt", i+1),
			zap.Int("consecutive_failures", d.failures),
			zap.Bool("permanent", driver.IsPermanent(err)),
			zap.Error(err))

		if driver.IsPermanent(err) || recovering || d.failures >= p.cfg.FailureThreshold {
			return p.markDown(d, err, log)
		}
	}

	d.publish(StateIdle, p.clock.Now())
	return OutcomeFailed
}

// attempt is one bounded driver call. The session opened by the driver is
// released before attempt returns.
func (p *Poller) attempt(ctx context.Context, drv driver.Driver, dev model.Device) (*model.Reading, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, driver.Transient(fmt.Errorf("connect rate limit: %w", err))
		}
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	reading, err := drv.Poll(actx, dev)
	p.metrics.PollDuration.WithLabelValues(drv.Name()).Observe(time.Since(start).Seconds())

	switch {
	case err == nil && reading == nil:
		err = driver.Transient(errNoReading)
	case err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded):
		err = driver.Transient(fmt.Errorf("poll timed out after %s: %w", p.cfg.Timeout, err))
	}

	switch {
	case err == nil:
		p.metrics.PollsTotal.WithLabelValues(metrics.ResultOK).Inc()
	case driver.IsTimeout(err):
		p.metrics.PollsTotal.WithLabelValues(metrics.ResultTimeout).Inc()
	default:
		p.metrics.PollsTotal.WithLabelValues(metrics.ResultError).Inc()
	}
	return reading, err
}

func (p *Poller) succeed(ctx context.Context, d *Device, reading *model.Reading, log *zap.Logger) Outcome {
	now := p.clock.Now()
	if d.down {
		p.metrics.DevicesDown.Dec()
		log.Info("device recovered", zap.Int("after_failures", d.failures))
	}
	d.failures = 0
	d.down = false
	d.skipUntil = time.Time{}
	d.lastErr = nil
	d.lastSuccess = now

	if reading.Timestamp.IsZero() {
		reading.Timestamp = now
	}
	batch := p.normalizer.Normalize(reading, d.dev)
	d.lastMetrics = len(batch)
	if len(batch) == 0 {
		log.Debug("no usable optics data")
	} else {
		p.metrics.MetricsProduced.Add(float64(len(batch)))
		if err := p.sink.Enqueue(ctx, batch); err != nil {
			log.Warn("enqueue metrics", zap.Int("count", len(batch)), zap.Error(err))
		}
	}
	d.publish(StateIdle, now)
	return OutcomeOK
}

func (p *Poller) markDown(d *Device, err error, log *zap.Logger) Outcome {
	now := p.clock.Now()
	if !d.down {
		p.metrics.DevicesDown.Inc()
	}
	d.down = true
	d.skipUntil = now.Add(p.cfg.Cooldown)
	d.lastErr = err
	log.Error("device marked down",
		zap.Int("consecutive_failures", d.failures),
		zap.Time("skip_until", d.skipUntil),
		zap.Error(err))
	d.publish(StateSkipped, now)
	return OutcomeDown
}

// Forget releases the devices_down gauge held by a removed device.
func (p *Poller) Forget(d *Device) {
	if d.down {
		p.metrics.DevicesDown.Dec()
		d.down = false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

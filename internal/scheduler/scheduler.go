// Package scheduler keeps one recurring poll task per inventory device.
//
// Each task is a goroutine that polls at start and then on every tick of its
// interval. Tasks share a semaphore bounding concurrent polls; a panic in one
// poll is recovered, counted and the task carries on with its next tick.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/internal/poller"
	"github.com/optics-collector/pkg/config"
	"github.com/optics-collector/pkg/metrics"
)

// Scheduler 设备轮询调度器
type Scheduler struct {
	cfg     config.PollConfig
	poller  *poller.Poller
	clock   clockwork.Clock
	sem     *semaphore.Weighted
	metrics *metrics.Pipeline
	logger  *zap.Logger

	// ctx is the parent of every poll; cancelled when the stop grace expires
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	wg      conc.WaitGroup
}

type task struct {
	device   *poller.Device
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
}

// New 创建调度器，cfg.MaxConcurrent 限制同时进行的轮询数
func New(cfg config.PollConfig, p *poller.Poller, clk clockwork.Clock, m *metrics.Pipeline, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		poller:  p,
		clock:   clk,
		sem:     semaphore.NewWeighted(int64(max(1, cfg.MaxConcurrent))),
		metrics: m,
		logger:  logger.Named("scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   map[string]*task{},
	}
}

// Sync applies a device set: new hosts get a task, missing hosts lose
// theirs and hosts whose record changed are restarted. Unchanged tasks keep
// running untouched.
func (s *Scheduler) Sync(devices []model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	want := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		want[d.Host] = d
	}

	var added, removed, changed int
	for host, t := range s.tasks {
		d, ok := want[host]
		switch {
		case !ok:
			s.removeLocked(host, t)
			removed++
		case !d.Equal(t.device.Record()):
			s.removeLocked(host, t)
			s.addLocked(d)
			changed++
		}
	}
	for host, d := range want {
		if _, ok := s.tasks[host]; !ok {
			s.addLocked(d)
			added++
		}
	}
	s.metrics.Devices.Set(float64(len(s.tasks)))
	s.logger.Info("inventory applied",
		zap.Int("devices", len(s.tasks)),
		zap.Int("added", added),
		zap.Int("removed", removed),
		zap.Int("changed", changed))
}

// Add starts a task for dev, replacing any task for the same host.
func (s *Scheduler) Add(dev model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.tasks[dev.Host]; ok {
		s.removeLocked(dev.Host, t)
	}
	s.addLocked(dev)
	s.metrics.Devices.Set(float64(len(s.tasks)))
}

// Remove stops the task of host, cancelling its poll if one is running.
func (s *Scheduler) Remove(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[host]
	if !ok || s.stopped {
		return false
	}
	s.removeLocked(host, t)
	s.metrics.Devices.Set(float64(len(s.tasks)))
	return true
}

// Statuses returns a snapshot of every task, ordered by host.
func (s *Scheduler) Statuses() []poller.Status {
	s.mu.Lock()
	out := make([]poller.Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.device.Snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Len returns the number of scheduled devices.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop stops issuing polls and waits for in-flight polls to finish. Polls
// still running after grace are cancelled; Stop returns once every task has
// exited.
func (s *Scheduler) Stop(grace time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, t := range s.tasks {
		close(t.stop)
	}
	n := len(s.tasks)
	s.mu.Unlock()

	s.logger.Info("stopping poll tasks", zap.Int("tasks", n), zap.Duration("grace", grace))
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("grace period expired, cancelling in-flight polls")
		s.cancel()
		<-done
	}
	s.cancel()
	s.logger.Info("all poll tasks stopped")
}

func (s *Scheduler) addLocked(dev model.Device) {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		device:   poller.NewDevice(dev),
		interval: s.intervalFor(dev),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
	}
	s.tasks[dev.Host] = t
	s.wg.Go(func() { s.run(t) })
}

func (s *Scheduler) removeLocked(host string, t *task) {
	delete(s.tasks, host)
	close(t.stop)
	t.cancel()
}

// intervalFor returns the interval of the first group dev belongs to, or the
// global interval.
func (s *Scheduler) intervalFor(dev model.Device) time.Duration {
	for _, g := range s.cfg.Groups {
		var v string
		switch g.Column {
		case "host":
			v = dev.Host
		case "ipaddr":
			v = dev.Address
		case "os_name":
			v = dev.Platform
		default:
			v, _ = dev.TagValue(g.Column)
		}
		if v == g.Value {
			return g.Interval
		}
	}
	return s.cfg.Interval
}

func (s *Scheduler) run(t *task) {
	defer t.cancel()
	// the task owns its device state, so the gauge is released here
	defer s.poller.Forget(t.device)

	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()

	s.pollOnce(t)
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.Chan():
			s.pollOnce(t)
		}
	}
}

func (s *Scheduler) pollOnce(t *task) {
	if err := s.sem.Acquire(t.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	select {
	case <-t.stop:
		return
	default:
	}

	if r := panics.Try(func() { s.poller.Poll(t.ctx, t.device) }); r != nil {
		s.metrics.PollsTotal.WithLabelValues(metrics.ResultPanic).Inc()
		s.logger.Error("poll task panicked",
			zap.String("device", t.device.Record().Host),
			zap.Error(r.AsError()),
			zap.ByteString("stack", r.Stack))
	}
}

// Package selfstats reports the collector's own process figures as a metric
// in the export pipeline, next to the optics data.
package selfstats

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/internal/poller"
	"github.com/optics-collector/pkg/config"
)

// Measurement 自身指标的 measurement 名称
const Measurement = "optics_collector"

// DeviceCounts returns the scheduled device count and how many are down.
type DeviceCounts func() (devices, down int)

// Reporter 周期采集进程 RSS / CPU / goroutine 数并写入导出队列
type Reporter struct {
	cfg    config.SelfStatsConfig
	proc   *process.Process
	host   string
	counts DeviceCounts
	sink   poller.Sink
	clock  clockwork.Clock
	logger *zap.Logger
}

// New 创建 Reporter；预检查当前进程信息可读
func New(cfg config.SelfStatsConfig, counts DeviceCounts, sink poller.Sink, clk clockwork.Clock, logger *zap.Logger) (*Reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	// prime the CPU counter so the first report covers a real interval
	_, _ = proc.Percent(0)

	return &Reporter{
		cfg:    cfg,
		proc:   proc,
		host:   host,
		counts: counts,
		sink:   sink,
		clock:  clk,
		logger: logger.Named("selfstats"),
	}, nil
}

// Collect builds one self-stats metric.
func (r *Reporter) Collect(ctx context.Context) (model.Metric, error) {
	mem, err := r.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return model.Metric{}, fmt.Errorf("get memory info: %w", err)
	}
	cpu, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return model.Metric{}, fmt.Errorf("get cpu percent: %w", err)
	}

	fields := map[string]float64{
		"rss_bytes":   float64(mem.RSS),
		"cpu_percent": cpu,
		"goroutines":  float64(runtime.NumGoroutine()),
	}
	if r.counts != nil {
		devices, down := r.counts()
		fields["devices"] = float64(devices)
		fields["devices_down"] = float64(down)
	}
	return model.Metric{
		Measurement: Measurement,
		Tags:        map[string]string{model.TagHost: r.host},
		Fields:      fields,
		Timestamp:   r.clock.Now(),
	}, nil
}

// Run reports once at start and then every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	m, err := r.Collect(ctx)
	if err != nil {
		r.logger.Warn("collect self stats", zap.Error(err))
		return
	}
	if err := r.sink.Enqueue(ctx, []model.Metric{m}); err != nil {
		r.logger.Debug("enqueue self stats", zap.Error(err))
	}
}

package agent

import (
	"context"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/exporter"
	"github.com/optics-collector/internal/inventory"
	"github.com/optics-collector/internal/poller"
	"github.com/optics-collector/internal/queue"
	"github.com/optics-collector/internal/scheduler"
	"github.com/optics-collector/internal/selfstats"
	"github.com/optics-collector/internal/server"
	"github.com/optics-collector/pkg/config"
	"github.com/optics-collector/pkg/logger"
	"github.com/optics-collector/pkg/metrics"
	"github.com/optics-collector/pkg/registers"
	"github.com/optics-collector/pkg/signal"
	"github.com/optics-collector/pkg/util"
)

const closeTimeout = 5 * time.Second

// runOptions replaces parts of the pipeline; zero values mean the real ones.
type runOptions struct {
	clock     clockwork.Clock
	exporters []exporter.Exporter
}

// Run 启动采集器并阻塞到收到退出信号或 ctx 结束
func Run(ctx context.Context, cfg *config.Config) error {
	return run(ctx, cfg, runOptions{})
}

func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return &config.Error{Op: "log", Err: err}
	}
	defer func() { _ = logger.Sync(log) }()

	util.PrintBanner(os.Stdout, "Optics Collector", Version, "cyan")

	// 1. 自监控指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPipeline(metrics.NewMetricFactory(metrics.NewPromRegistry(reg)))

	// 2. 驱动
	creds, err := registers.Credentials(cfg.Credentials)
	if err != nil {
		return err
	}
	drivers, err := registers.Drivers(cfg.Drivers, creds, log)
	if err != nil {
		return err
	}

	// 3. 设备清单
	src := inventory.NewSource(cfg.Inventory.Path, cfg.Inventory.DelimiterRune(), cfg.Inventory.Debounce, log)
	src.OnReload(func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.InventoryReloads.WithLabelValues(result).Inc()
	})
	if err := src.Reload(); err != nil {
		return &config.Error{Op: "inventory", Err: err}
	}

	// 4. 导出器：每个导出器一条队列、一个 runner
	exps := opts.exporters
	if exps == nil {
		if exps, err = registers.Exporters(ctx, cfg.Exporters, log); err != nil {
			return err
		}
	}
	policy, err := queue.ParsePolicy(cfg.Queue.Overflow)
	if err != nil {
		closeExporters(exps, log)
		return &config.Error{Op: "queue", Err: err}
	}
	queues := make([]*queue.Queue, 0, len(exps))
	runners := make([]*exporter.Runner, 0, len(exps))
	for _, e := range exps {
		name := e.Name()
		q := queue.New(cfg.Queue.Size, policy, func(reason string, n int) {
			m.QueueDropped.WithLabelValues(name, reason).Add(float64(n))
		})
		queues = append(queues, q)
		runners = append(runners, exporter.NewRunner(e, q, cfg.Queue, cfg.Export, m, log))
	}
	fanout := queue.NewFanout(queues...)

	// 5. 轮询
	clk := opts.clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	p := poller.New(cfg.Poll, drivers, fanout, clk, m, log)
	sched := scheduler.New(cfg.Poll, p, clk, m, log)

	var srv *server.Server
	if cfg.Server.Enable {
		srv = server.NewHTTPServer(cfg.Server, Version, log, reg, sched)
		if err := srv.Start(); err != nil {
			closeExporters(exps, log)
			return err
		}
	}

	exportCtx, cancelExport := context.WithCancel(context.Background())
	defer cancelExport()
	var exportWG conc.WaitGroup
	for _, r := range runners {
		exportWG.Go(func() { r.Run(exportCtx) })
	}

	src.OnChange(sched.Sync)
	sched.Sync(src.Devices())

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var bg conc.WaitGroup
	if cfg.Inventory.Watch {
		bg.Go(func() {
			if err := src.Watch(runCtx); err != nil {
				log.Error("inventory watch stopped", zap.Error(err))
			}
		})
	}
	if cfg.SelfStats.Enable {
		rep, err := selfstats.New(cfg.SelfStats, deviceCounts(sched), fanout, clk, log)
		if err != nil {
			log.Warn("self stats disabled", zap.Error(err))
		} else {
			bg.Go(func() { rep.Run(runCtx) })
		}
	}

	log.Info("collector started",
		zap.String("version", Version),
		zap.Int("devices", sched.Len()),
		zap.Int("exporters", len(exps)),
		zap.Strings("platforms", drivers.Platforms()))

	sig := signal.WaitForShutdown(ctx, log, func() {
		if err := src.Reload(); err != nil {
			log.Error("inventory reload failed, keeping previous devices", zap.Error(err))
		}
	})
	if sig != nil {
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	} else {
		log.Info("context done, shutting down")
	}

	// 停止顺序：清单 -> 轮询 -> 队列 -> 导出 -> HTTP
	cancelRun()
	bg.Wait()
	sched.Stop(cfg.Poll.ShutdownGrace)
	fanout.Close()
	drainRunners(&exportWG, cancelExport, cfg.Export.ShutdownGrace, log)
	closeExporters(exps, log)

	if dropped := fanout.Dropped(); dropped > 0 {
		log.Warn("metrics dropped during run", zap.Uint64("dropped", dropped))
	}
	if srv != nil {
		_ = srv.Shutdown()
	}
	log.Info("collector stopped")
	return nil
}

// drainRunners waits for every runner to empty its queue; after grace the
// rest is discarded.
func drainRunners(wg *conc.WaitGroup, cancel context.CancelFunc, grace time.Duration, log *zap.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn("export drain grace expired", zap.Duration("grace", grace))
		cancel()
		<-done
	}
}

func closeExporters(exps []exporter.Exporter, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, e := range exps {
		if err := e.Close(ctx); err != nil {
			log.Warn("close exporter", zap.String("exporter", e.Name()), zap.Error(err))
		}
	}
}

func deviceCounts(s *scheduler.Scheduler) selfstats.DeviceCounts {
	return func() (devices, down int) {
		for _, st := range s.Statuses() {
			devices++
			if st.Down {
				down++
			}
		}
		return devices, down
	}
}

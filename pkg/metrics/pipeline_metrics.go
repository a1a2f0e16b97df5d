package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Poll results used as the "result" label of polls_total.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultSkipped = "skipped"
	ResultPanic   = "panic"
)

// Export results used as the "result" label of export_batches_total.
const (
	ExportOK      = "ok"
	ExportDropped = "dropped"
	ExportFatal   = "fatal"
)

// NewPollsTotal 创建「轮询次数」指标
// 指标类型：Counter
// 标签说明：
//
//	result: ok / error / timeout / skipped / panic
func (m *MetricFactory) NewPollsTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Device poll attempts by result",
	}, []string{"result"})
	m.reg.MustRegister(c)
	return c
}

// NewPollDurationSeconds 创建「单次轮询耗时」指标
// 指标类型：Histogram，按平台区分；设备响应常在秒级，分桶覆盖 50ms ~ 60s
func (m *MetricFactory) NewPollDurationSeconds() *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Duration of a single poll attempt per platform",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"platform"})
	m.reg.MustRegister(h)
	return h
}

// NewDevicesDown 当前处于冷却期（被跳过）的设备数
func (m *MetricFactory) NewDevicesDown() prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_down",
		Help:      "Devices currently skipped after reaching the failure threshold",
	})
	m.reg.MustRegister(g)
	return g
}

// NewDevices 清单中的设备数
func (m *MetricFactory) NewDevices() prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Devices in the current inventory",
	})
	m.reg.MustRegister(g)
	return g
}

func (m *MetricFactory) NewMetricsProducedTotal() prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metrics_produced_total",
		Help:      "Metrics produced by the normalizer",
	})
	m.reg.MustRegister(c)
	return c
}

// NewQueueDepth 创建「导出队列深度」指标，标签 exporter 区分各导出器的独立队列
func (m *MetricFactory) NewQueueDepth() *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Metrics waiting in the export queue",
	}, []string{"exporter"})
	m.reg.MustRegister(g)
	return g
}

// NewQueueDroppedTotal 创建「队列丢弃数」指标
// 标签说明：
//
//	exporter: 导出器名称
//	reason:   overflow / closed / shutdown / retries_exhausted / fatal
func (m *MetricFactory) NewQueueDroppedTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_dropped_total",
		Help:      "Metrics dropped before reaching the backend, by reason",
	}, []string{"exporter", "reason"})
	m.reg.MustRegister(c)
	return c
}

// NewExportBatchesTotal 创建「导出批次」指标，result: ok / dropped / fatal
func (m *MetricFactory) NewExportBatchesTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_batches_total",
		Help:      "Export batches by exporter and result",
	}, []string{"exporter", "result"})
	m.reg.MustRegister(c)
	return c
}

func (m *MetricFactory) NewExportRetriesTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_retries_total",
		Help:      "Export attempts retried after a retryable error",
	}, []string{"exporter"})
	m.reg.MustRegister(c)
	return c
}

func (m *MetricFactory) NewExportedMetricsTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exported_metrics_total",
		Help:      "Metrics accepted by each exporter backend",
	}, []string{"exporter"})
	m.reg.MustRegister(c)
	return c
}

// NewInventoryReloadsTotal 清单重载次数，result: ok / error
func (m *MetricFactory) NewInventoryReloadsTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inventory_reloads_total",
		Help:      "Inventory reloads by result",
	}, []string{"result"})
	m.reg.MustRegister(c)
	return c
}

// Pipeline 汇总采集流水线用到的全部自监控指标
type Pipeline struct {
	PollsTotal       *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	DevicesDown      prometheus.Gauge
	Devices          prometheus.Gauge
	MetricsProduced  prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	QueueDropped     *prometheus.CounterVec
	ExportBatches    *prometheus.CounterVec
	ExportRetries    *prometheus.CounterVec
	ExportedMetrics  *prometheus.CounterVec
	InventoryReloads *prometheus.CounterVec
}

// NewPipeline 通过工厂创建并注册全部流水线指标
func NewPipeline(f *MetricFactory) *Pipeline {
	return &Pipeline{
		PollsTotal:       f.NewPollsTotal(),
		PollDuration:     f.NewPollDurationSeconds(),
		DevicesDown:      f.NewDevicesDown(),
		Devices:          f.NewDevices(),
		MetricsProduced:  f.NewMetricsProducedTotal(),
		QueueDepth:       f.NewQueueDepth(),
		QueueDropped:     f.NewQueueDroppedTotal(),
		ExportBatches:    f.NewExportBatchesTotal(),
		ExportRetries:    f.NewExportRetriesTotal(),
		ExportedMetrics:  f.NewExportedMetricsTotal(),
		InventoryReloads: f.NewInventoryReloadsTotal(),
	}
}

// NewTestPipeline registers the pipeline metrics on a fresh private registry.
func NewTestPipeline() (*Pipeline, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewPipeline(NewMetricFactory(NewPromRegistry(reg))), reg
}

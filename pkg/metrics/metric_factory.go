// Package metrics creates the collector's own Prometheus metrics.
package metrics

// namespace 所有自监控指标的前缀
const namespace = "optics_collector"

// MetricFactory 指标工厂，用于统一创建并注册指标（counter/gauge/histogram）
type MetricFactory struct {
	reg Registers
}

// NewMetricFactory 创建指标工厂
func NewMetricFactory(reg Registers) *MetricFactory {
	return &MetricFactory{reg: reg}
}

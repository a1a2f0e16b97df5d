package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineRegistersAll(t *testing.T) {
	p, reg := NewTestPipeline()

	p.PollsTotal.WithLabelValues(ResultOK).Add(3)
	p.QueueDropped.WithLabelValues("influx", "overflow").Inc()
	p.DevicesDown.Set(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(p.PollsTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.DevicesDown))

	expected := `
# HELP optics_collector_queue_dropped_total Metrics dropped before reaching the backend, by reason
# TYPE optics_collector_queue_dropped_total counter
optics_collector_queue_dropped_total{exporter="influx",reason="overflow"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "optics_collector_queue_dropped_total"))
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := NewMetricFactory(NewPromRegistry(reg))
	f.NewDevicesDown()
	assert.Panics(t, func() { f.NewDevicesDown() })
}

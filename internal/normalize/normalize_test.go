package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optics-collector/internal/model"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func device() model.Device {
	return model.Device{
		Host:     "sw1",
		Address:  "10.0.0.1",
		Platform: "eos",
		Tags:     []model.Tag{{Key: "site", Value: "dc1"}, {Key: "rack", Value: ""}},
	}
}

func upPort(name string) model.InterfaceOptics {
	return model.InterfaceOptics{
		Name:        name,
		Description: "uplink",
		Media:       "10GBASE-SR",
		Link:        model.LinkUp,
		Values: map[model.Sensor]float64{
			model.SensorRxPower: -2.5,
			model.SensorTemp:    31.2,
		},
		Thresholds: map[model.Sensor]model.Thresholds{
			model.SensorRxPower: {LowAlarm: -14, LowWarn: -10, HighWarn: 0, HighAlarm: 2},
		},
	}
}

func TestNormalize(t *testing.T) {
	n := New(Options{})
	reading := &model.Reading{Timestamp: ts, Interfaces: []model.InterfaceOptics{upPort("Ethernet2"), upPort("Ethernet1")}}

	got := n.Normalize(reading, device())
	// per port: rxpower, rxpower_status, temp (no threshold -> no status)
	require.Len(t, got, 6)

	first := got[0]
	assert.Equal(t, "ifdom_rxpower", first.Measurement)
	assert.Equal(t, map[string]float64{"value": -2.5}, first.Fields)
	assert.Equal(t, ts, first.Timestamp)
	assert.Equal(t, map[string]string{
		"host":    "sw1",
		"ipaddr":  "10.0.0.1",
		"os_name": "eos",
		"if_name": "Ethernet1",
		"if_desc": "uplink",
		"media":   "10GBASE-SR",
		"site":    "dc1",
		"rack":    "none",
	}, first.Tags)

	assert.Equal(t, "ifdom_rxpower_status", got[1].Measurement)
	assert.Equal(t, float64(StatusOK), got[1].Fields["value"])
	assert.Equal(t, "ifdom_temp", got[2].Measurement)
	assert.Equal(t, "Ethernet2", got[3].Tags["if_name"])
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := New(Options{IncludeLinkDown: true})
	reading := &model.Reading{Timestamp: ts, Interfaces: []model.InterfaceOptics{upPort("Ethernet3"), upPort("Ethernet1"), upPort("Ethernet2")}}
	assert.Equal(t, n.Normalize(reading, device()), n.Normalize(reading, device()))
}

func TestNormalizeNoOpticsYieldsZeroMetrics(t *testing.T) {
	n := New(Options{})
	assert.Empty(t, n.Normalize(nil, device()))
	assert.Empty(t, n.Normalize(&model.Reading{Timestamp: ts}, device()))

	admin := upPort("Ethernet1")
	admin.Link = model.LinkAdminDown
	assert.Empty(t, New(Options{IncludeLinkDown: true}).Normalize(&model.Reading{Interfaces: []model.InterfaceOptics{admin}}, device()))
}

func TestNormalizeLinkDown(t *testing.T) {
	down := upPort("Ethernet1")
	down.Link = model.LinkDown
	reading := &model.Reading{Timestamp: ts, Interfaces: []model.InterfaceOptics{down}}

	assert.Empty(t, New(Options{}).Normalize(reading, device()))
	assert.NotEmpty(t, New(Options{IncludeLinkDown: true}).Normalize(reading, device()))
}

func TestNormalizeReservedTagsWin(t *testing.T) {
	dev := device()
	dev.Tags = append(dev.Tags, model.Tag{Key: "host", Value: "spoofed"}, model.Tag{Key: "media", Value: "copper"})

	got := New(Options{}).Normalize(&model.Reading{Interfaces: []model.InterfaceOptics{upPort("Ethernet1")}}, dev)
	require.NotEmpty(t, got)
	assert.Equal(t, "sw1", got[0].Tags["host"])
	assert.Equal(t, "10GBASE-SR", got[0].Tags["media"])
}

func TestNormalizeTagKeysStable(t *testing.T) {
	bare := model.InterfaceOptics{
		Name:   "Ethernet9",
		Link:   model.LinkUp,
		Values: map[model.Sensor]float64{model.SensorRxPower: -3},
	}
	got := New(Options{}).Normalize(&model.Reading{Interfaces: []model.InterfaceOptics{upPort("Ethernet1"), bare}}, device())

	keys := func(m model.Metric) []string {
		var k []string
		for key := range m.Tags {
			k = append(k, key)
		}
		return k
	}
	var rx []model.Metric
	for _, m := range got {
		if m.Measurement == "ifdom_rxpower" {
			rx = append(rx, m)
		}
	}
	require.Len(t, rx, 2)
	assert.ElementsMatch(t, keys(rx[0]), keys(rx[1]))
	assert.Equal(t, MissingDescription, rx[1].Tags["if_desc"])
	assert.Equal(t, EmptyTagValue, rx[1].Tags["media"])
}

func TestNormalizeSkipsNonFinite(t *testing.T) {
	ifc := upPort("Ethernet1")
	ifc.Values = map[model.Sensor]float64{model.SensorRxPower: math.Inf(-1), model.SensorTxPower: math.NaN()}
	assert.Empty(t, New(Options{}).Normalize(&model.Reading{Interfaces: []model.InterfaceOptics{ifc}}, device()))
}

func TestFlagsTakePrecedence(t *testing.T) {
	ifc := upPort("Ethernet1")
	ifc.Flags = map[model.Sensor]string{model.SensorRxPower: "--"}

	got := New(Options{}).Normalize(&model.Reading{Interfaces: []model.InterfaceOptics{ifc}}, device())
	require.True(t, len(got) >= 2)
	assert.Equal(t, "ifdom_rxpower_status", got[1].Measurement)
	assert.Equal(t, float64(StatusAlert), got[1].Fields["value"])
}

func TestThresholdStatus(t *testing.T) {
	th := model.Thresholds{LowAlarm: -14, LowWarn: -10, HighWarn: 0, HighAlarm: 2}
	tests := []struct {
		v    float64
		want int
	}{
		{-5, StatusOK},
		{-10, StatusWarn},
		{-12, StatusWarn},
		{0.5, StatusWarn},
		{-14, StatusAlert},
		{-40, StatusAlert},
		{2, StatusAlert},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ThresholdStatus(tt.v, th), "value %v", tt.v)
	}
}

func TestFlagStatus(t *testing.T) {
	assert.Equal(t, StatusAlert, FlagStatus("++"))
	assert.Equal(t, StatusAlert, FlagStatus("--"))
	assert.Equal(t, StatusWarn, FlagStatus("+"))
	assert.Equal(t, StatusWarn, FlagStatus("-"))
	assert.Equal(t, StatusOK, FlagStatus(""))
	assert.Equal(t, StatusOK, FlagStatus("N/A"))
}

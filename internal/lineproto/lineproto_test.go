package lineproto

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optics-collector/internal/model"
)

type decoded struct {
	measurement string
	tags        [][2]string
	fields      map[string]float64
	ts          time.Time
}

func decodeAll(t *testing.T, b []byte) []decoded {
	t.Helper()
	var out []decoded
	dec := lineprotocol.NewDecoderWithBytes(b)
	for dec.Next() {
		var d decoded
		m, err := dec.Measurement()
		require.NoError(t, err)
		d.measurement = string(m)
		for {
			k, v, err := dec.NextTag()
			require.NoError(t, err)
			if k == nil {
				break
			}
			d.tags = append(d.tags, [2]string{string(k), string(v)})
		}
		d.fields = map[string]float64{}
		for {
			k, v, err := dec.NextField()
			require.NoError(t, err)
			if k == nil {
				break
			}
			d.fields[string(k)] = v.FloatV()
		}
		d.ts, err = dec.Time(lineprotocol.Nanosecond, time.Time{})
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func TestEncodeBatch(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
	batch := []model.Metric{
		{
			Measurement: "ifdom_rxpower",
			Tags:        map[string]string{"host": "sw1", "if_name": "Ethernet1/1", "if_desc": "uplink to core", "site": "fra1"},
			Fields:      map[string]float64{"value": -3.25},
			Timestamp:   ts,
		},
		{
			Measurement: "ifdom_rxpower_status",
			Tags:        map[string]string{"host": "sw1", "if_name": "Ethernet1/1"},
			Fields:      map[string]float64{"value": 1},
			Timestamp:   ts,
		},
	}

	out, skipped := NewEncoder().Encode(batch)
	assert.Zero(t, skipped)
	assert.Equal(t, 2, strings.Count(string(out), "\n"))

	lines := decodeAll(t, out)
	require.Len(t, lines, 2)
	assert.Equal(t, "ifdom_rxpower", lines[0].measurement)
	assert.Equal(t, [][2]string{
		{"host", "sw1"},
		{"if_desc", "uplink to core"},
		{"if_name", "Ethernet1/1"},
		{"site", "fra1"},
	}, lines[0].tags)
	assert.Equal(t, map[string]float64{"value": -3.25}, lines[0].fields)
	assert.True(t, ts.Equal(lines[0].ts))
	assert.Equal(t, "ifdom_rxpower_status", lines[1].measurement)
	assert.Equal(t, 1.0, lines[1].fields["value"])
}

func TestEncodeSkipsUnrepresentable(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	batch := []model.Metric{
		{Measurement: "ifdom_temp", Tags: map[string]string{"host": "a"}, Fields: map[string]float64{"value": math.NaN()}, Timestamp: ts},
		{Measurement: "", Fields: map[string]float64{"value": 1}, Timestamp: ts},
		{Measurement: "ifdom_bias", Tags: map[string]string{"host": "a"}, Timestamp: ts},
		{Measurement: "ifdom_voltage", Tags: map[string]string{"host": "a", "media": ""}, Fields: map[string]float64{"value": 3.3}, Timestamp: ts},
	}

	out, skipped := NewEncoder().Encode(batch)
	assert.Equal(t, 3, skipped)
	lines := decodeAll(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, "ifdom_voltage", lines[0].measurement)
	assert.Equal(t, [][2]string{{"host", "a"}}, lines[0].tags)
}

func TestEncoderReuse(t *testing.T) {
	enc := NewEncoder()
	m := model.Metric{Measurement: "ifdom_temp", Tags: map[string]string{"host": "a"}, Fields: map[string]float64{"value": 30}, Timestamp: time.Unix(1, 0)}

	first, _ := enc.Encode([]model.Metric{m})
	second, _ := enc.Encode([]model.Metric{m})
	assert.Equal(t, first, second)

	line, err := enc.Line(m)
	require.NoError(t, err)
	assert.Equal(t, "ifdom_temp,host=a value=30 1000000000\n", string(line))

	_, err = enc.Line(model.Metric{Measurement: "x"})
	assert.Error(t, err)
}

// Package lineproto encodes metrics as InfluxDB line protocol.
package lineproto

import (
	"fmt"
	"sort"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/optics-collector/internal/model"
)

// Encoder turns batches into line protocol. It is not safe for concurrent
// use; each exporter owns one.
type Encoder struct {
	enc lineprotocol.Encoder
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.enc.SetPrecision(lineprotocol.Nanosecond)
	e.enc.SetLax(false)
	return e
}

// Encode returns one line per metric. Metrics that cannot be represented
// (no fields, invalid names) are skipped and counted in skipped.
func (e *Encoder) Encode(batch []model.Metric) (out []byte, skipped int) {
	e.enc.Reset()
	for _, m := range batch {
		if !e.line(m) {
			skipped++
		}
	}
	b := e.enc.Bytes()
	out = make([]byte, len(b))
	copy(out, b)
	return out, skipped
}

// Line encodes a single metric, for backends that publish one record per
// metric.
func (e *Encoder) Line(m model.Metric) ([]byte, error) {
	e.enc.Reset()
	if !e.line(m) {
		return nil, fmt.Errorf("metric %q cannot be encoded", m.Measurement)
	}
	b := e.enc.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (e *Encoder) line(m model.Metric) bool {
	if m.Measurement == "" || len(m.Fields) == 0 {
		return false
	}
	before := len(e.enc.Bytes())

	e.enc.StartLine(m.Measurement)
	for _, k := range sortedKeys(m.Tags) {
		if m.Tags[k] == "" {
			continue
		}
		e.enc.AddTag(k, m.Tags[k])
	}
	written := 0
	for _, k := range sortedKeys(m.Fields) {
		v, ok := lineprotocol.NewValue(m.Fields[k])
		if !ok {
			continue
		}
		e.enc.AddField(k, v)
		written++
	}
	if written == 0 {
		e.truncate(before)
		return false
	}
	e.enc.EndLine(m.Timestamp)
	if err := e.enc.Err(); err != nil {
		e.truncate(before)
		return false
	}
	return true
}

// truncate drops a partially written line and clears the sticky error.
func (e *Encoder) truncate(n int) {
	keep := append([]byte(nil), e.enc.Bytes()[:n]...)
	e.enc.SetBuffer(keep)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package normalize turns driver readings into canonical metrics.
package normalize

import (
	"math"
	"sort"

	"github.com/optics-collector/internal/model"
)

// Measurement names. Every measurement carries a single "value" field.
const (
	MeasurementPrefix = "ifdom_"
	StatusSuffix      = "_status"
	ValueField        = "value"

	MissingDescription = "MISSING-DESCRIPTION"
	EmptyTagValue      = "none"
)

// Status codes of the *_status measurements.
const (
	StatusOK    = 0
	StatusWarn  = 1
	StatusAlert = 2
)

// Options control which ports are reported.
type Options struct {
	// IncludeLinkDown reports ports whose link is down. Admin-down ports are
	// never reported.
	IncludeLinkDown bool
}

// Normalizer converts readings to metrics. It holds no state besides its
// options and is safe for concurrent use.
type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Normalize returns the metrics for one poll. The output is fully determined
// by its inputs; an empty result means the device had no usable optics data.
func (n *Normalizer) Normalize(reading *model.Reading, dev model.Device) []model.Metric {
	if reading == nil || len(reading.Interfaces) == 0 {
		return nil
	}

	ifaces := make([]model.InterfaceOptics, 0, len(reading.Interfaces))
	for _, ifc := range reading.Interfaces {
		if n.skip(ifc) {
			continue
		}
		ifaces = append(ifaces, ifc)
	}
	sort.SliceStable(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	var out []model.Metric
	for _, ifc := range ifaces {
		tags := interfaceTags(dev, ifc)
		for _, sensor := range model.Sensors {
			v, ok := ifc.Values[sensor]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			name := MeasurementPrefix + string(sensor)
			out = append(out, model.Metric{
				Measurement: name,
				Tags:        tags,
				Fields:      map[string]float64{ValueField: v},
				Timestamp:   reading.Timestamp,
			})
			if status, ok := sensorStatus(ifc, sensor, v); ok {
				out = append(out, model.Metric{
					Measurement: name + StatusSuffix,
					Tags:        tags,
					Fields:      map[string]float64{ValueField: float64(status)},
					Timestamp:   reading.Timestamp,
				})
			}
		}
	}
	return out
}

func (n *Normalizer) skip(ifc model.InterfaceOptics) bool {
	switch ifc.Link {
	case model.LinkAdminDown:
		return true
	case model.LinkDown:
		return !n.opts.IncludeLinkDown
	}
	return false
}

// interfaceTags assembles identity tags, then interface tags, then inventory
// columns. Later keys never replace reserved ones.
func interfaceTags(dev model.Device, ifc model.InterfaceOptics) map[string]string {
	tags := make(map[string]string, 6+len(dev.Tags))
	tags[model.TagHost] = dev.Host
	tags[model.TagAddress] = dev.Address
	tags[model.TagPlatform] = dev.Platform
	tags[model.TagIfName] = ifc.Name
	tags[model.TagIfDesc] = orDefault(ifc.Description, MissingDescription)
	tags[model.TagMedia] = orDefault(ifc.Media, EmptyTagValue)
	for _, t := range dev.Tags {
		if model.IsReservedTag(t.Key) {
			continue
		}
		if _, exists := tags[t.Key]; exists {
			continue
		}
		tags[t.Key] = orDefault(t.Value, EmptyTagValue)
	}
	return tags
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// sensorStatus prefers the device's own alarm flag, then its thresholds.
func sensorStatus(ifc model.InterfaceOptics, sensor model.Sensor, v float64) (int, bool) {
	if flag, ok := ifc.Flags[sensor]; ok {
		return FlagStatus(flag), true
	}
	if th, ok := ifc.Thresholds[sensor]; ok {
		return ThresholdStatus(v, th), true
	}
	return 0, false
}

// ThresholdStatus grades a value against its alarm and warning limits.
func ThresholdStatus(v float64, th model.Thresholds) int {
	if v <= th.LowAlarm || v >= th.HighAlarm {
		return StatusAlert
	}
	if v <= th.LowWarn || v >= th.HighWarn {
		return StatusWarn
	}
	return StatusOK
}

// FlagStatus maps Cisco DOM markers: "++"/"--" alarm, "+"/"-" warning.
func FlagStatus(flag string) int {
	switch flag {
	case "++", "--":
		return StatusAlert
	case "+", "-":
		return StatusWarn
	}
	return StatusOK
}

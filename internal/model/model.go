// Package model holds the records that flow through the collector pipeline:
// inventory devices, raw driver readings and canonical metrics.
package model

import "time"

// Device 设备清单中的一条记录（不可变）
type Device struct {
	Host     string `json:"host"`
	Address  string `json:"ipaddr"`
	Platform string `json:"os_name"`
	// Tags are the extra inventory columns, in header order.
	Tags []Tag `json:"tags,omitempty"`
}

// Tag is an ordered key/value pair.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Equal reports whether two device records are identical, tags included.
func (d Device) Equal(o Device) bool {
	if d.Host != o.Host || d.Address != o.Address || d.Platform != o.Platform || len(d.Tags) != len(o.Tags) {
		return false
	}
	for i := range d.Tags {
		if d.Tags[i] != o.Tags[i] {
			return false
		}
	}
	return true
}

// TagValue returns the value of an inventory column.
func (d Device) TagValue(key string) (string, bool) {
	for _, t := range d.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Sensor identifies one DOM measurement of a transceiver.
type Sensor string

const (
	SensorRxPower Sensor = "rxpower"
	SensorTxPower Sensor = "txpower"
	SensorTemp    Sensor = "temp"
	SensorVoltage Sensor = "voltage"
	SensorBias    Sensor = "bias"
)

// Sensors lists every sensor in output order.
var Sensors = []Sensor{SensorRxPower, SensorTxPower, SensorTemp, SensorVoltage, SensorBias}

// LinkState is the operational state of the port carrying an optic.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
	LinkAdminDown
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkAdminDown:
		return "admin_down"
	default:
		return "down"
	}
}

// Thresholds are the alarm/warning limits a transceiver reports for a sensor.
type Thresholds struct {
	LowAlarm  float64 `json:"lowAlarm"`
	LowWarn   float64 `json:"lowWarn"`
	HighWarn  float64 `json:"highWarn"`
	HighAlarm float64 `json:"highAlarm"`
}

// InterfaceOptics is the vendor-neutral view of one port's transceiver data.
// A driver fills Thresholds when the device reports limits and Flags when the
// device reports Cisco style alarm markers ("++", "+", "-", "--").
type InterfaceOptics struct {
	Name        string
	Description string
	Media       string
	Link        LinkState
	Values      map[Sensor]float64
	Thresholds  map[Sensor]Thresholds
	Flags       map[Sensor]string
}

// Reading is the structured result of one successful poll.
type Reading struct {
	Platform   string
	Timestamp  time.Time
	Interfaces []InterfaceOptics
}

// Metric is the canonical exported record. Metrics are never mutated after
// normalization, so exporters share them read-only.
type Metric struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Timestamp   time.Time
}

// Reserved tag keys. Inventory columns can never override them.
const (
	TagHost     = "host"
	TagAddress  = "ipaddr"
	TagPlatform = "os_name"
	TagIfName   = "if_name"
	TagIfDesc   = "if_desc"
	TagMedia    = "media"
)

// IsReservedTag reports whether key is an identity or interface tag.
func IsReservedTag(key string) bool {
	switch key {
	case TagHost, TagAddress, TagPlatform, TagIfName, TagIfDesc, TagMedia:
		return true
	}
	return false
}

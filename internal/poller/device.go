package poller

import (
	"sync/atomic"
	"time"

	"github.com/optics-collector/internal/model"
)

// State of a device task as shown on /devices.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateRetrying State = "retrying"
	StateSkipped  State = "skipped"
)

// Status is a read-only snapshot of a device task.
type Status struct {
	Host                string    `json:"host"`
	Address             string    `json:"ipaddr"`
	Platform            string    `json:"os_name"`
	State               State     `json:"state"`
	Down                bool      `json:"down"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SkipUntil           time.Time `json:"skip_until,omitzero"`
	LastAttempt         time.Time `json:"last_attempt,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	LastMetrics         int       `json:"last_metrics"`
}

// Device is the failure state of one device. The fields are owned by the
// device's task goroutine; other goroutines read Snapshot only.
type Device struct {
	dev         model.Device
	failures    int
	down        bool
	skipUntil   time.Time
	lastErr     error
	lastSuccess time.Time
	lastMetrics int

	snapshot atomic.Pointer[Status]
}

func NewDevice(dev model.Device) *Device {
	d := &Device{dev: dev}
	d.publish(StateIdle, time.Time{})
	return d
}

// Record returns the inventory record the task polls.
func (d *Device) Record() model.Device { return d.dev }

// Snapshot is safe to call from any goroutine.
func (d *Device) Snapshot() Status { return *d.snapshot.Load() }

func (d *Device) publish(state State, at time.Time) {
	s := &Status{
		Host:                d.dev.Host,
		Address:             d.dev.Address,
		Platform:            d.dev.Platform,
		State:               state,
		Down:                d.down,
		ConsecutiveFailures: d.failures,
		SkipUntil:           d.skipUntil,
		LastSuccess:         d.lastSuccess,
		LastMetrics:         d.lastMetrics,
	}
	if prev := d.snapshot.Load(); prev != nil {
		s.LastAttempt = prev.LastAttempt
	}
	if state == StatePolling {
		s.LastAttempt = at
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	d.snapshot.Store(s)
}

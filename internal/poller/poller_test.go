package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/driver"
	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
	"github.com/optics-collector/pkg/metrics"
)

type mockDriver struct{ mock.Mock }

func (m *mockDriver) Name() string { return "mock" }

func (m *mockDriver) Poll(ctx context.Context, dev model.Device) (*model.Reading, error) {
	args := m.Called(ctx, dev)
	r, _ := args.Get(0).(*model.Reading)
	return r, args.Error(1)
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]model.Metric
}

func (s *recordingSink) Enqueue(_ context.Context, batch []model.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testPollConfig() config.PollConfig {
	return config.PollConfig{
		Interval:         time.Minute,
		Timeout:          time.Second,
		MaxRetries:       2,
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		MaxConcurrent:    4,
	}
}

type fixture struct {
	poller  *Poller
	drv     *mockDriver
	sink    *recordingSink
	clock   *clockwork.FakeClock
	metrics *metrics.Pipeline
	device  *Device
}

func newFixture(t *testing.T, cfg config.PollConfig) *fixture {
	t.Helper()
	drv := &mockDriver{}
	reg := driver.NewRegistry()
	reg.Register(drv)
	sink := &recordingSink{}
	clk := clockwork.NewFakeClockAt(testStart)
	m, _ := metrics.NewTestPipeline()
	return &fixture{
		poller:  New(cfg, reg, sink, clk, m, zap.NewNop()),
		drv:     drv,
		sink:    sink,
		clock:   clk,
		metrics: m,
		device:  NewDevice(model.Device{Host: "sw1", Address: "10.0.0.1", Platform: "mock"}),
	}
}

func goodReading() *model.Reading {
	return &model.Reading{
		Platform: "mock",
		Interfaces: []model.InterfaceOptics{{
			Name:   "Ethernet1",
			Link:   model.LinkUp,
			Values: map[model.Sensor]float64{model.SensorRxPower: -3.2, model.SensorTemp: 30},
		}},
	}
}

func TestPollSuccess(t *testing.T) {
	f := newFixture(t, testPollConfig())
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(goodReading(), nil).Once()

	assert.Equal(t, OutcomeOK, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertExpectations(t)

	require.Equal(t, 1, f.sink.count())
	batch := f.sink.batches[0]
	require.Len(t, batch, 2)
	for _, m := range batch {
		assert.Equal(t, testStart, m.Timestamp)
		assert.Equal(t, "sw1", m.Tags[model.TagHost])
	}

	st := f.device.Snapshot()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, testStart, st.LastSuccess)
	assert.Equal(t, 2, st.LastMetrics)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MetricsProduced))
}

func TestPollRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, testPollConfig())
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(goodReading(), nil).Once()

	assert.Equal(t, OutcomeOK, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 2)
	assert.Equal(t, 0, f.device.Snapshot().ConsecutiveFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(metrics.ResultError)))
}

func TestPollRetriesExhaustedBelowThreshold(t *testing.T) {
	cfg := testPollConfig()
	cfg.MaxRetries = 1
	cfg.FailureThreshold = 5
	f := newFixture(t, cfg)
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(nil, errors.New("refused"))

	assert.Equal(t, OutcomeFailed, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 2)

	st := f.device.Snapshot()
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.False(t, st.Down)
	assert.Equal(t, "refused", st.LastError)
	assert.Zero(t, f.sink.count())

	// failures carry over to the next cycle
	assert.Equal(t, OutcomeFailed, f.poller.Poll(context.Background(), f.device))
	assert.Equal(t, 4, f.device.Snapshot().ConsecutiveFailures)
	assert.Equal(t, OutcomeDown, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 5)
}

func TestPollThresholdCooldownAndRecovery(t *testing.T) {
	f := newFixture(t, testPollConfig())
	fail := f.drv.On("Poll", mock.Anything, mock.Anything).Return(nil, errors.New("timeout talking to device"))

	// 1 + 2 retries reach the threshold of 3
	assert.Equal(t, OutcomeDown, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 3)
	st := f.device.Snapshot()
	assert.True(t, st.Down)
	assert.Equal(t, StateSkipped, st.State)
	assert.Equal(t, testStart.Add(5*time.Minute), st.SkipUntil)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DevicesDown))

	// skipped during the cool-down
	f.clock.Advance(time.Minute)
	assert.Equal(t, OutcomeSkipped, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(metrics.ResultSkipped)))

	// exactly one recovery attempt, which fails and restarts the cool-down
	f.clock.Advance(4 * time.Minute)
	assert.Equal(t, OutcomeDown, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 4)
	assert.Equal(t, testStart.Add(10*time.Minute), f.device.Snapshot().SkipUntil)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DevicesDown))

	// recovery succeeds
	fail.Unset()
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(goodReading(), nil)
	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, OutcomeOK, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 5)

	st = f.device.Snapshot()
	assert.False(t, st.Down)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.DevicesDown))
	assert.Equal(t, 1, f.sink.count())
}

func TestPollPermanentErrorMarksDown(t *testing.T) {
	f := newFixture(t, testPollConfig())
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(nil, driver.Permanent(errors.New("authentication failed")))

	assert.Equal(t, OutcomeDown, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 1)
	assert.True(t, f.device.Snapshot().Down)

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, OutcomeDown, f.poller.Poll(context.Background(), f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 2)
}

func TestPollUnknownPlatform(t *testing.T) {
	f := newFixture(t, testPollConfig())
	dev := NewDevice(model.Device{Host: "r1", Address: "10.0.0.9", Platform: "junos"})

	assert.Equal(t, OutcomeDown, f.poller.Poll(context.Background(), dev))
	assert.Contains(t, dev.Snapshot().LastError, "no driver for platform")
	f.drv.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything)
}

func TestPollTimeoutFailsAttemptOnly(t *testing.T) {
	cfg := testPollConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	f := newFixture(t, cfg)
	f.drv.On("Poll", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded)

	start := time.Now()
	assert.Equal(t, OutcomeFailed, f.poller.Poll(context.Background(), f.device))
	assert.Less(t, time.Since(start), 2*time.Second)

	st := f.device.Snapshot()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "timed out")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(metrics.ResultTimeout)))
}

func TestPollCanceledIsNotAFailure(t *testing.T) {
	f := newFixture(t, testPollConfig())
	ctx, cancel := context.WithCancel(context.Background())
	f.drv.On("Poll", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)

	assert.Equal(t, OutcomeCanceled, f.poller.Poll(ctx, f.device))
	f.drv.AssertNumberOfCalls(t, "Poll", 1)
	assert.Equal(t, 0, f.device.Snapshot().ConsecutiveFailures)
}

func TestPollNilReadingIsTransient(t *testing.T) {
	cfg := testPollConfig()
	cfg.MaxRetries = 0
	f := newFixture(t, cfg)
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(nil, nil)

	assert.Equal(t, OutcomeFailed, f.poller.Poll(context.Background(), f.device))
	assert.Equal(t, errNoReading.Error(), f.device.Snapshot().LastError)
}

func TestForgetReleasesDownGauge(t *testing.T) {
	f := newFixture(t, testPollConfig())
	f.drv.On("Poll", mock.Anything, mock.Anything).Return(nil, driver.Permanent(errors.New("bad command")))

	f.poller.Poll(context.Background(), f.device)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DevicesDown))
	f.poller.Forget(f.device)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.DevicesDown))
}

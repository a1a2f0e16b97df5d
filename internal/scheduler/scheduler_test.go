package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/driver"
	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/internal/poller"
	"github.com/optics-collector/pkg/config"
	"github.com/optics-collector/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDriver counts polls per host. hook, when set, runs inside Poll.
type fakeDriver struct {
	mu    sync.Mutex
	calls map[string]int
	hook  func(ctx context.Context, dev model.Device) error

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Poll(ctx context.Context, dev model.Device) (*model.Reading, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[dev.Host]++
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, dev); err != nil {
			return nil, err
		}
	}
	return &model.Reading{
		Platform: "fake",
		Interfaces: []model.InterfaceOptics{{
			Name:   "Ethernet1",
			Link:   model.LinkUp,
			Values: map[model.Sensor]float64{model.SensorRxPower: -2.5},
		}},
	}, nil
}

func (f *fakeDriver) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

type nopSink struct{}

func (nopSink) Enqueue(context.Context, []model.Metric) error { return nil }

type fixture struct {
	sched   *Scheduler
	drv     *fakeDriver
	clock   *clockwork.FakeClock
	metrics *metrics.Pipeline
}

func testConfig() config.PollConfig {
	return config.PollConfig{
		Interval:         time.Minute,
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		MaxConcurrent:    8,
	}
}

func newFixture(t *testing.T, cfg config.PollConfig) *fixture {
	t.Helper()
	drv := &fakeDriver{calls: map[string]int{}}
	reg := driver.NewRegistry()
	reg.Register(drv)
	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m, _ := metrics.NewTestPipeline()
	p := poller.New(cfg, reg, nopSink{}, clk, m, zap.NewNop())
	f := &fixture{sched: New(cfg, p, clk, m, zap.NewNop()), drv: drv, clock: clk, metrics: m}
	t.Cleanup(func() { f.sched.Stop(time.Second) })
	return f
}

func dev(host string, tags ...model.Tag) model.Device {
	return model.Device{Host: host, Address: "10.0.0.1", Platform: "fake", Tags: tags}
}

func (f *fixture) waitPolls(t *testing.T, host string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.drv.count(host) >= n }, 2*time.Second, time.Millisecond,
		"waiting for %d polls of %s", n, host)
}

// waitTickers blocks until at least n task tickers are waiting on the clock.
func (f *fixture) waitTickers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, n), "waiting for %d tickers", n)
}

func TestPollsAtStartAndEveryInterval(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sched.Sync([]model.Device{dev("sw1")})

	f.waitPolls(t, "sw1", 1)
	f.waitTickers(t, 1)

	f.clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.drv.count("sw1"))

	f.clock.Advance(30 * time.Second)
	f.waitPolls(t, "sw1", 2)
	f.clock.Advance(time.Minute)
	f.waitPolls(t, "sw1", 3)
}

func TestGroupInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Groups = []config.PollGroup{
		{Column: "site", Value: "lab", Interval: 10 * time.Second},
		{Column: "os_name", Value: "fake", Interval: 20 * time.Second},
	}
	f := newFixture(t, cfg)
	f.sched.Sync([]model.Device{
		dev("lab1", model.Tag{Key: "site", Value: "lab"}),
		dev("dc1", model.Tag{Key: "site", Value: "dc"}),
	})
	f.waitPolls(t, "lab1", 1)
	f.waitPolls(t, "dc1", 1)
	f.waitTickers(t, 2)

	f.clock.Advance(10 * time.Second)
	f.waitPolls(t, "lab1", 2)
	assert.Equal(t, 1, f.drv.count("dc1"))

	f.clock.Advance(10 * time.Second)
	f.waitPolls(t, "lab1", 3)
	f.waitPolls(t, "dc1", 2)
}

func TestSyncAddsRemovesAndRestartsChanged(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sched.Sync([]model.Device{dev("a"), dev("b"), dev("c")})
	f.waitPolls(t, "a", 1)
	f.waitPolls(t, "b", 1)
	f.waitPolls(t, "c", 1)
	f.waitTickers(t, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Devices))

	changed := dev("b")
	changed.Address = "10.0.0.2"
	f.sched.Sync([]model.Device{dev("a"), changed, dev("d")})

	f.waitPolls(t, "b", 2)
	f.waitPolls(t, "d", 1)
	f.waitTickers(t, 3)
	assert.Equal(t, 1, f.drv.count("a"), "unchanged device is not restarted")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Devices))

	hosts := []string{}
	for _, st := range f.sched.Statuses() {
		hosts = append(hosts, st.Host)
	}
	assert.Equal(t, []string{"a", "b", "d"}, hosts)
	assert.Equal(t, "10.0.0.2", f.sched.Statuses()[1].Address)

	f.clock.Advance(time.Minute)
	f.waitPolls(t, "a", 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.drv.count("c"), "removed device is not polled")
}

func TestAddAndRemove(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sched.Add(dev("a"))
	f.waitPolls(t, "a", 1)
	assert.Equal(t, 1, f.sched.Len())

	assert.True(t, f.sched.Remove("a"))
	assert.False(t, f.sched.Remove("a"))
	assert.Equal(t, 0, f.sched.Len())
}

func TestPanicIsIsolated(t *testing.T) {
	f := newFixture(t, testConfig())
	f.drv.hook = func(_ context.Context, d model.Device) error {
		if d.Host == "bad" {
			panic("parser bug")
		}
		return nil
	}
	f.sched.Sync([]model.Device{dev("bad"), dev("good")})
	f.waitPolls(t, "bad", 1)
	f.waitPolls(t, "good", 1)
	f.waitTickers(t, 2)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.PollsTotal.WithLabelValues(metrics.ResultPanic)) == 1
	}, time.Second, time.Millisecond)

	f.clock.Advance(time.Minute)
	f.waitPolls(t, "bad", 2)
	f.waitPolls(t, "good", 2)
}

func TestMaxConcurrent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	f := newFixture(t, cfg)

	release := make(chan struct{})
	f.drv.hook = func(ctx context.Context, _ model.Device) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	f.sched.Sync([]model.Device{dev("a"), dev("b"), dev("c"), dev("d"), dev("e")})

	require.Eventually(t, func() bool { return f.drv.inflight.Load() == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, f.drv.inflight.Load())

	close(release)
	for _, h := range []string{"a", "b", "c", "d", "e"} {
		f.waitPolls(t, h, 1)
	}
	assert.EqualValues(t, 2, f.drv.maxInflight.Load())
}

func TestStopWaitsForInflightPolls(t *testing.T) {
	f := newFixture(t, testConfig())
	var finished atomic.Bool
	f.drv.hook = func(ctx context.Context, _ model.Device) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}
	f.sched.Sync([]model.Device{dev("a")})
	f.waitPolls(t, "a", 1)

	f.sched.Stop(time.Second)
	assert.True(t, finished.Load())
	assert.Zero(t, testutil.ToFloat64(f.metrics.DevicesDown))
}

func TestStopCancelsAfterGrace(t *testing.T) {
	f := newFixture(t, testConfig())
	var canceled atomic.Bool
	f.drv.hook = func(ctx context.Context, _ model.Device) error {
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}
	f.sched.Sync([]model.Device{dev("a")})
	f.waitPolls(t, "a", 1)

	start := time.Now()
	f.sched.Stop(50 * time.Millisecond)
	assert.True(t, canceled.Load())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	st := f.sched.Statuses()
	require.Len(t, st, 1)
	assert.False(t, st[0].Down, "shutdown is not a device failure")
	assert.Zero(t, st[0].ConsecutiveFailures)

	// no-ops after stop
	f.sched.Add(dev("b"))
	assert.False(t, f.sched.Remove("a"))
	assert.Equal(t, 1, f.sched.Len())
}

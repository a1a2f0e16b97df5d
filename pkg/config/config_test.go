package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
inventory:
  path: ./devices.csv
exporters:
  - name: archive
    type: sqlite
    path: ./optics.db
    table: optics
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "drop_newest", cfg.Queue.Overflow)
	assert.Equal(t, 3, cfg.Poll.FailureThreshold)
	assert.Equal(t, "./devices.csv", cfg.Inventory.Path)
	require.Len(t, cfg.Exporters, 1)
	assert.Equal(t, "sqlite", cfg.Exporters[0].Type)
}

func TestLoadRejectsUnknownOption(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+"poll:\n  intervall: 10s\n"), nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "intervall")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OPTICS_POLL_INTERVAL", "2m")
	t.Setenv("OPTICS_QUEUE_OVERFLOW", "block")

	cfg, err := Load(writeConfig(t, minimalYAML), nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Poll.Interval)
	assert.Equal(t, "block", cfg.Queue.Overflow)
}

func TestLoadFlagOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	flags.Duration("poll.interval", time.Minute, "")
	flags.Int("poll.max_concurrent", 64, "")
	require.NoError(t, flags.Parse([]string{"--config=x.yaml", "--poll.interval=30s"}))

	cfg, err := Load(writeConfig(t, minimalYAML), flags)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	// unchanged flags never shadow the file or defaults
	assert.Equal(t, 64, cfg.Poll.MaxConcurrent)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Exporters = []ExporterConfig{{Name: "a", Type: "sqlite", Path: "x.db", Table: "optics"}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"timeout above interval", func(c *Config) { c.Poll.Timeout = 2 * time.Minute }, "must not exceed poll.interval"},
		{"bad overflow policy", func(c *Config) { c.Queue.Overflow = "spill" }, "Overflow"},
		{"batch larger than queue", func(c *Config) { c.Queue.BatchSize = c.Queue.Size + 1 }, "queue.batch_size"},
		{"no exporters", func(c *Config) { c.Exporters = nil }, "Exporters"},
		{"duplicated exporter", func(c *Config) { c.Exporters = append(c.Exporters, c.Exporters[0]) }, "duplicated name"},
		{"influx without bucket", func(c *Config) {
			c.Exporters = []ExporterConfig{{Name: "i", Type: "influxdb", Endpoint: "http://db:8086", Org: "o", TokenEnv: "T"}}
		}, "org and bucket"},
		{"nats jetstream without stream", func(c *Config) {
			c.Exporters = []ExporterConfig{{Name: "n", Type: "nats", URLs: []string{"nats://x:4222"}, Subject: "s", JetStream: true}}
		}, "needs stream"},
		{"table injection", func(c *Config) { c.Exporters[0].Table = "optics; drop table x" }, "plain identifier"},
		{"duplicate group", func(c *Config) {
			g := PollGroup{Column: "site", Value: "dc1", Interval: time.Minute}
			c.Poll.Groups = []PollGroup{g, g}
		}, "duplicated entry"},
		{"log rotation conflict", func(c *Config) { c.Log.MaxBackup = 3 }, "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSecret(t *testing.T) {
	t.Setenv("OPTICS_TEST_TOKEN", "s3cret")

	v, err := Secret("OPTICS_TEST_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = Secret("OPTICS_TEST_UNSET_VARIABLE")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	v, err = Secret("")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestInventoryDelimiterRune(t *testing.T) {
	assert.Equal(t, ',', NewDefaultConfig().Inventory.DelimiterRune())

	cfg, err := Load(writeConfig(t, `
inventory:
  path: ./devices.csv
  delimiter: "§"
exporters:
  - name: archive
    type: sqlite
    path: ./optics.db
    table: optics
`), nil)
	require.NoError(t, err)
	assert.Equal(t, '§', cfg.Inventory.DelimiterRune())
}

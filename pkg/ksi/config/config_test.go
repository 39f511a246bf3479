package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi-sub004/pkg/ksi/config"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, config.New(nil).Raw())
	assert.NotNil(t, config.New(map[string]any{}).Raw())
}

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":     "ksid",
		"capacity": 5000,
		"float64":  float64(42),
		"frac":     1.5,
		"enabled":  true,
		"interval": "250ms",
		"seconds":  30,
		"patterns": []any{"agent:*", "monitor:*"},
		"mixed":    []any{"ok", 1},
	})

	assert.Equal(t, "ksid", cfg.String("name", "default"))
	assert.Equal(t, "default", cfg.String("missing", "default"))
	assert.Equal(t, "default", cfg.String("capacity", "default"))

	assert.Equal(t, 5000, cfg.Int("capacity", 1))
	assert.Equal(t, 42, cfg.Int("float64", 1))
	assert.Equal(t, 1, cfg.Int("frac", 1), "fractional floats must not truncate silently")
	assert.Equal(t, 1, cfg.Int("missing", 1))

	assert.Equal(t, 1.5, cfg.Float("frac", 0))
	assert.Equal(t, float64(5000), cfg.Float("capacity", 0))

	assert.True(t, cfg.Bool("enabled", false))
	assert.False(t, cfg.Bool("missing", false))

	assert.Equal(t, 250*time.Millisecond, cfg.Duration("interval", time.Second))
	assert.Equal(t, 30*time.Second, cfg.Duration("seconds", time.Second))
	assert.Equal(t, time.Second, cfg.Duration("missing", time.Second))
	assert.Equal(t, time.Second, cfg.Duration("name", time.Second))

	assert.Equal(t, []string{"agent:*", "monitor:*"}, cfg.StringSlice("patterns", nil))
	assert.Nil(t, cfg.StringSlice("mixed", nil))

	assert.True(t, cfg.Has("name"))
	assert.False(t, cfg.Has("missing"))
}

func TestSection(t *testing.T) {
	cfg := config.New(map[string]any{
		"eventlog": map[string]any{
			"capacity": 2000,
		},
		"not_a_map": "scalar",
	})

	assert.Equal(t, 2000, cfg.Section("eventlog").Int("capacity", 1))
	assert.Equal(t, 1, cfg.Section("missing").Int("capacity", 1))
	assert.Equal(t, 1, cfg.Section("not_a_map").Int("capacity", 1))
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
daemon:
  log_level: debug
  max_depth: 20
eventlog:
  capacity: 2000
  flush_interval: 500ms
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Section("daemon").String("log_level", "info"))
	assert.Equal(t, 20, cfg.Section("daemon").Int("max_depth", 10))
	assert.Equal(t, 500*time.Millisecond, cfg.Section("eventlog").Duration("flush_interval", time.Second))

	_, err = config.FromYAML([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"daemon": {"max_depth": 15}}`))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Section("daemon").Int("max_depth", 10))

	_, err = config.FromJSON([]byte("{bad"))
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "ksid.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("daemon:\n  log_level: warn\n"), 0o644))

	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Section("daemon").String("log_level", "info"))

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	txtPath := filepath.Join(dir, "ksid.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("x"), 0o644))
	_, err = config.FromFile(txtPath)
	assert.Error(t, err)
}

func TestDaemonFromConfigDefaults(t *testing.T) {
	settings := config.DaemonFromConfig(config.New(nil))
	assert.Equal(t, config.DefaultDaemon, settings)
}

func TestDaemonFromConfigOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
daemon:
  log_level: debug
  data_dir: /tmp/ksid
  max_depth: 25
  request_timeout: 10s
eventlog:
  capacity: 2000
  retention: 24h
routing:
  sweep_interval: 5s
audit:
  max_entries: 500
trace:
  max_age: 30m
`))
	require.NoError(t, err)

	settings := config.DaemonFromConfig(cfg)
	assert.Equal(t, "debug", settings.LogLevel)
	assert.Equal(t, "/tmp/ksid", settings.DataDir)
	assert.Equal(t, 25, settings.MaxDepth)
	assert.Equal(t, 10*time.Second, settings.RequestTimeout)
	assert.Equal(t, 2000, settings.EventLogCapacity)
	assert.Equal(t, 24*time.Hour, settings.EventLogRetention)
	assert.Equal(t, 5*time.Second, settings.RoutingSweepInterval)
	assert.Equal(t, 500, settings.AuditMaxEntries)
	assert.Equal(t, 30*time.Minute, settings.TraceMaxAge)

	// Unset fields fall back per field.
	assert.Equal(t, config.DefaultDaemon.EventLogMaxBatch, settings.EventLogMaxBatch)
}

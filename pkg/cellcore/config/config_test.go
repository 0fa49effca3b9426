package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cellcore/pkg/cellcore/config"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, config.New(nil).Raw())
	assert.Equal(t, "v", config.New(map[string]any{"k": "v"}).String("k", ""))
}

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":      "relay",
		"timeout":   "30s",
		"seconds":   5,
		"fraction":  1.5,
		"enabled":   true,
		"batch":     100,
		"batch64":   int64(7),
		"ratio":     0.25,
		"whole":     float64(3),
		"topics":    []any{"a", "b"},
		"mixed":     []any{"a", 1},
		"typed":     []string{"x"},
		"duration":  2 * time.Minute,
		"notstring": 1,
		"numstr":    " 42 ",
		"boolstr":   "true",
		"floatstr":  "0.5",
		"secsstr":   "soon",
	})

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string", cfg.String("name", "d"), "relay"},
		{"string wrong type", cfg.String("notstring", "d"), "d"},
		{"string missing", cfg.String("missing", "d"), "d"},
		{"duration string", cfg.Duration("timeout", 0), 30 * time.Second},
		{"duration int seconds", cfg.Duration("seconds", 0), 5 * time.Second},
		{"duration float seconds", cfg.Duration("fraction", 0), 1500 * time.Millisecond},
		{"duration native", cfg.Duration("duration", 0), 2 * time.Minute},
		{"duration invalid", cfg.Duration("name", time.Second), time.Second},
		{"bool", cfg.Bool("enabled", false), true},
		{"bool wrong type", cfg.Bool("name", true), true},
		{"int", cfg.Int("batch", 0), 100},
		{"int64", cfg.Int("batch64", 0), 7},
		{"int from whole float", cfg.Int("whole", 0), 3},
		{"int from fraction", cfg.Int("ratio", 9), 9},
		{"float", cfg.Float("ratio", 0), 0.25},
		{"float from int", cfg.Float("batch", 0), float64(100)},
		{"slice any", cfg.StringSlice("topics", nil), []string{"a", "b"}},
		{"slice typed", cfg.StringSlice("typed", nil), []string{"x"}},
		{"slice mixed", cfg.StringSlice("mixed", []string{"d"}), []string{"d"}},
		{"int from string", cfg.Int("numstr", 0), 42},
		{"int from bad string", cfg.Int("name", 3), 3},
		{"bool from string", cfg.Bool("boolstr", false), true},
		{"float from string", cfg.Float("floatstr", 0), 0.5},
		{"duration from bad string", cfg.Duration("secsstr", time.Second), time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestDottedPaths(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
relay:
  batch_size: 50
  interval: 2s
  redis:
    stream: cellcore.events
saga:
  deadline: 1m
"flat.key": top
`))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Int("relay.batch_size", 0))
	assert.Equal(t, 2*time.Second, cfg.Duration("relay.interval", 0))
	assert.Equal(t, "cellcore.events", cfg.String("relay.redis.stream", ""))
	assert.Equal(t, time.Minute, cfg.Duration("saga.deadline", 0))
	assert.Equal(t, "top", cfg.String("flat.key", ""))
	assert.False(t, cfg.Has("relay.missing"))
	assert.False(t, cfg.Has("relay.batch_size.deeper"))

	relay := cfg.Sub("relay")
	assert.Equal(t, 50, relay.Int("batch_size", 0))
	assert.Equal(t, "cellcore.events", relay.Sub("redis").String("stream", ""))
	assert.Empty(t, cfg.Sub("nope").Raw())
	assert.Empty(t, cfg.Sub("relay.batch_size").Raw())
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"relay": {"max_retries": 8}}`))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Int("relay.max_retries", 0))

	_, err = config.FromJSON([]byte(`{`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse json")
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := config.FromYAML([]byte("relay: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse yaml")
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CELLCORE_TEST_STREAM", "orders.stream")

	yamlPath := filepath.Join(dir, "cellcore.YML")
	require.NoError(t, os.WriteFile(yamlPath, []byte("relay:\n  stream: ${CELLCORE_TEST_STREAM}\n"), 0o600))

	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "orders.stream", cfg.String("relay.stream", ""))

	jsonPath := filepath.Join(dir, "cellcore.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"a": 1}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Int("a", 0))

	txtPath := filepath.Join(dir, "cellcore.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("a"), 0o600))
	_, err = config.FromFile(txtPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file extension")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_MergesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte(`
relay:
  batch_size: 100
  max_retries: 5
  redis:
    stream: cellcore:events
saga:
  deadline: 1m
`), 0o600))
	override := filepath.Join(dir, "prod.json")
	require.NoError(t, os.WriteFile(override, []byte(`{
  "relay": {"batch_size": 500, "redis": {"max_len": 10000}},
  "saga": "disabled"
}`), 0o600))

	cfg, err := config.Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Int("relay.batch_size", 0))
	assert.Equal(t, 5, cfg.Int("relay.max_retries", 0))
	assert.Equal(t, "cellcore:events", cfg.String("relay.redis.stream", ""))
	assert.Equal(t, 10000, cfg.Int("relay.redis.max_len", 0))
	assert.Equal(t, "disabled", cfg.String("saga", ""))
	assert.Zero(t, cfg.Duration("saga.deadline", 0))
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Raw())
}

func TestLoad_StopsAtFirstError(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("relay: [unclosed"), 0o600))

	_, err := config.Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	assert.Contains(t, err.Error(), "parse yaml")
}

type envSettings struct {
	BatchSize int           `env:"CELLCORE_TEST_BATCH" envDefault:"100"`
	Interval  time.Duration `env:"CELLCORE_TEST_INTERVAL" envDefault:"1s"`
	Driver    string        `env:"CELLCORE_TEST_DRIVER" envDefault:"sqlite"`
}

func TestParseEnvDefaults(t *testing.T) {
	var s envSettings
	require.NoError(t, config.ParseEnv(&s))
	assert.Equal(t, 100, s.BatchSize)
	assert.Equal(t, time.Second, s.Interval)
	assert.Equal(t, "sqlite", s.Driver)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("CELLCORE_TEST_BATCH", "25")
	t.Setenv("CELLCORE_TEST_INTERVAL", "250ms")

	var s envSettings
	require.NoError(t, config.ParseEnv(&s))
	assert.Equal(t, 25, s.BatchSize)
	assert.Equal(t, 250*time.Millisecond, s.Interval)
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("CELLCORE_TEST_BATCH", "many")

	var s envSettings
	err := config.ParseEnv(&s)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "parse env:"))
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roundabout.dev/analytics/config"
	"roundabout.dev/analytics/publish"
	"roundabout.dev/analytics/storage"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"ROUNDABOUT_SINK_DSN",
		"DATABASE_URL",
		"NATS_URL",
		"KAFKA_BROKERS",
		"REDIS_ADDR",
		"METRICS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "roundabout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(writeConfig(t, `
schedule:
  location: https://example.com/gtfs.zip
  timeout: 45s
engine:
  timezone: Europe/Belgrade
  shards: 4
  ttl_cycles: 7
  imminent_threshold: 20s
  bunching_fraction: 0.25
  segment_max_gap: 15m
sink:
  kind: sqlite
  directory: /var/lib/roundabout
publish:
  kafka:
    brokers: localhost:9092
    topic: roundabout
metrics_addr: ":9090"
`))
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/gtfs.zip", cfg.Schedule.Location)
	assert.Equal(t, 45*time.Second, cfg.Schedule.Timeout)
	assert.Equal(t, config.SinkSQLite, cfg.Sink.Kind)
	assert.Equal(t, "/var/lib/roundabout", cfg.Sink.Directory)
	assert.Equal(t, "localhost:9092", cfg.Publish.Kafka.Brokers)
	assert.Equal(t, publish.DefaultPrefix, cfg.Publish.Prefix)
	assert.Equal(t, int64(publish.DefaultStreamMaxLen), cfg.Publish.Redis.MaxLen)
	assert.Equal(t, ":9090", cfg.MetricsAddr)

	engine := cfg.ToEngine()
	assert.Equal(t, "Europe/Belgrade", engine.Timezone)
	assert.Equal(t, 4, engine.Shards)
	assert.Equal(t, 7, engine.Identity.TTLCycles)
	assert.Equal(t, 0, engine.Identity.ReappearGapCycles)
	assert.Equal(t, 20*time.Second, engine.Arrival.ImminentThreshold)
	assert.Equal(t, 0.25, engine.Headway.BunchingFraction)
	assert.Equal(t, 15*time.Minute, engine.Segment.MaxGap)
	assert.Nil(t, engine.Sink)
	assert.Nil(t, engine.Metrics)
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.SinkMemory, cfg.Sink.Kind)
	assert.Equal(t, publish.DefaultPrefix, cfg.Publish.Prefix)
	assert.Equal(t, "", cfg.Publish.NATS.URL)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "engine: [unterminated"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/fallback")
	t.Setenv("ROUNDABOUT_SINK_DSN", "postgres://localhost/roundabout")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("METRICS_ADDR", ":9191")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.SinkPostgres, cfg.Sink.Kind)
	assert.Equal(t, "postgres://localhost/roundabout", cfg.Sink.DSN)
	assert.Equal(t, "nats://localhost:4222", cfg.Publish.NATS.URL)
	assert.Equal(t, "localhost:6379", cfg.Publish.Redis.Addr)
	assert.Equal(t, ":9191", cfg.MetricsAddr)

	// A DSN does not switch an explicitly configured sink.
	cfg, err = config.Load(writeConfig(t, "sink:\n  kind: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, config.SinkMemory, cfg.Sink.Kind)
	assert.Equal(t, "postgres://localhost/roundabout", cfg.Sink.DSN)
}

func TestLoadInvalid(t *testing.T) {
	clearEnv(t)

	for _, tc := range []struct {
		name    string
		content string
		field   string
	}{
		{"unknown sink", "sink:\n  kind: mongo\n", "Sink.Kind"},
		{"postgres without dsn", "sink:\n  kind: postgres\n", "Sink.DSN"},
		{"kafka without topic", "publish:\n  kafka:\n    brokers: localhost:9092\n", "Kafka.Topic"},
		{"bad nats url", "publish:\n  nats:\n    url: not a url\n", "NATS.URL"},
		{"bunching fraction", "engine:\n  bunching_fraction: 1.5\n", "BunchingFraction"},
		{"negative shards", "engine:\n  shards: -1\n", "Shards"},
		{"negative duration", "engine:\n  poll_interval: -5s\n", "PollInterval"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestOpenSink(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	sink, err := cfg.OpenSink(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemorySink{}, sink)
	require.NoError(t, sink.Close())

	cfg, err = config.Load(writeConfig(t, "sink:\n  kind: sqlite\n"))
	require.NoError(t, err)
	sink, err = cfg.OpenSink(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.SQLiteSink{}, sink)
	require.NoError(t, sink.Close())
}

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	analytics "roundabout.dev/analytics"
	"roundabout.dev/analytics/accuracy"
	"roundabout.dev/analytics/arrival"
	"roundabout.dev/analytics/headway"
	"roundabout.dev/analytics/identity"
	"roundabout.dev/analytics/publish"
	"roundabout.dev/analytics/segment"
	"roundabout.dev/analytics/storage"
)

const (
	SinkMemory   = "memory"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
)

type ScheduleConfig struct {
	// Path or http(s) URL of a GTFS zip.
	Location     string        `yaml:"location"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxSizeBytes int           `yaml:"max_size_bytes" validate:"gte=0"`
}

type EngineConfig struct {
	Timezone        string        `yaml:"timezone"`
	Shards          int           `yaml:"shards" validate:"gte=0,lte=256"`
	RollupRetention time.Duration `yaml:"rollup_retention" validate:"gte=0"`
	CommittedCycles int           `yaml:"committed_cycles" validate:"gte=0"`

	CoordinateDecimals int `yaml:"coordinate_decimals" validate:"gte=0,lte=8"`
	TTLCycles          int `yaml:"ttl_cycles" validate:"gte=0"`
	ReappearGapCycles  int `yaml:"reappear_gap_cycles" validate:"gte=0"`

	ImminentThreshold    time.Duration `yaml:"imminent_threshold" validate:"gte=0"`
	MinImminentCycles    int           `yaml:"min_imminent_cycles" validate:"gte=0"`
	MissingCyclesToClose int           `yaml:"missing_cycles_to_close" validate:"gte=0"`
	HistoryWindow        int           `yaml:"history_window" validate:"gte=0"`
	ReapproachCooldown   time.Duration `yaml:"reapproach_cooldown" validate:"gte=0"`
	PollInterval         time.Duration `yaml:"poll_interval" validate:"gte=0"`

	MaxErrorSeconds int `yaml:"max_error_seconds" validate:"gte=0"`

	BunchingFraction float64       `yaml:"bunching_fraction" validate:"gte=0,lt=1"`
	BunchingFloor    time.Duration `yaml:"bunching_floor" validate:"gte=0"`
	HeadwayMaxGap    time.Duration `yaml:"headway_max_gap" validate:"gte=0"`

	SegmentMaxGap   time.Duration `yaml:"segment_max_gap" validate:"gte=0"`
	MaxDelaySeconds int           `yaml:"max_delay_seconds" validate:"gte=0"`
}

type SinkConfig struct {
	Kind string `yaml:"kind" validate:"oneof=memory sqlite postgres"`

	// SQLite database directory. In memory when empty.
	Directory string `yaml:"directory"`

	DSN     string `yaml:"dsn" validate:"required_if=Kind postgres"`
	ClearDB bool   `yaml:"clear_db"`
}

type NATSConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic" validate:"required_with=Brokers"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr" validate:"omitempty,hostname_port"`
	MaxLen int64  `yaml:"max_len" validate:"gte=0"`
}

type PublishConfig struct {
	Prefix string      `yaml:"prefix"`
	NATS   NATSConfig  `yaml:"nats"`
	Kafka  KafkaConfig `yaml:"kafka"`
	Redis  RedisConfig `yaml:"redis"`
}

type Config struct {
	Schedule    ScheduleConfig `yaml:"schedule"`
	Engine      EngineConfig   `yaml:"engine"`
	Sink        SinkConfig     `yaml:"sink"`
	Publish     PublishConfig  `yaml:"publish"`
	MetricsAddr string         `yaml:"metrics_addr"`
}

// Load reads the YAML file at path, applies environment overrides
// (also read from a .env file, if present) and validates the result.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Sink.Kind == "" {
		cfg.Sink.Kind = SinkMemory
	}
	if cfg.Publish.Prefix == "" {
		cfg.Publish.Prefix = publish.DefaultPrefix
	}
	if cfg.Publish.Redis.MaxLen == 0 {
		cfg.Publish.Redis.MaxLen = publish.DefaultStreamMaxLen
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := firstNonEmpty(os.Getenv("ROUNDABOUT_SINK_DSN"), os.Getenv("DATABASE_URL")); v != "" {
		c.Sink.DSN = v
		if c.Sink.Kind == "" {
			c.Sink.Kind = SinkPostgres
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Publish.NATS.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Publish.Kafka.Brokers = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Publish.Redis.Addr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ToEngine maps the engine section onto the engine's configuration.
// Zero values are left for the engine's components to default.
func (c *Config) ToEngine() analytics.Config {
	e := c.Engine
	return analytics.Config{
		Identity: identity.Config{
			CoordinateDecimals: e.CoordinateDecimals,
			TTLCycles:          e.TTLCycles,
			ReappearGapCycles:  e.ReappearGapCycles,
		},
		Arrival: arrival.Config{
			ImminentThreshold:    e.ImminentThreshold,
			MinImminentCycles:    e.MinImminentCycles,
			MissingCyclesToClose: e.MissingCyclesToClose,
			HistoryWindow:        e.HistoryWindow,
			ReapproachCooldown:   e.ReapproachCooldown,
			PollInterval:         e.PollInterval,
		},
		Accuracy: accuracy.Config{MaxErrorSeconds: e.MaxErrorSeconds},
		Headway: headway.Config{
			BunchingFraction: e.BunchingFraction,
			BunchingFloor:    e.BunchingFloor,
			MaxGap:           e.HeadwayMaxGap,
		},
		Segment: segment.Config{
			MaxGap:          e.SegmentMaxGap,
			MaxDelaySeconds: e.MaxDelaySeconds,
		},
		Timezone:        e.Timezone,
		Shards:          e.Shards,
		RollupRetention: e.RollupRetention,
		CommittedCycles: e.CommittedCycles,
	}
}

// OpenSink opens the configured storage sink followed by one
// publishing sink per configured broker. A single sink is returned
// as is, several are combined into a storage.MultiSink.
func (c *Config) OpenSink(ctx context.Context, m publish.PublisherMetrics) (storage.Sink, error) {
	var sinks storage.MultiSink
	fail := func(err error) (storage.Sink, error) {
		sinks.Close()
		return nil, err
	}

	switch c.Sink.Kind {
	case SinkSQLite:
		s, err := storage.NewSQLiteSink(storage.SQLiteConfig{
			OnDisk:    c.Sink.Directory != "",
			Directory: c.Sink.Directory,
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite sink: %w", err)
		}
		sinks = append(sinks, s)
	case SinkPostgres:
		s, err := storage.NewPSQLSink(c.Sink.DSN, c.Sink.ClearDB)
		if err != nil {
			return nil, fmt.Errorf("opening postgres sink: %w", err)
		}
		sinks = append(sinks, s)
	default:
		sinks = append(sinks, storage.NewMemorySink())
	}

	if c.Publish.NATS.URL != "" {
		p, err := publish.NewNATSPublisher(c.Publish.NATS.URL, m)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, publish.NewSink(publish.Instrument(p, "nats", m), c.Publish.Prefix))
	}
	if c.Publish.Kafka.Brokers != "" {
		p, err := publish.NewKafkaPublisher(c.Publish.Kafka.Brokers, c.Publish.Kafka.Topic)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, publish.NewSink(publish.Instrument(p, "kafka", m), c.Publish.Prefix))
	}
	if c.Publish.Redis.Addr != "" {
		p, err := publish.NewRedisPublisher(ctx, c.Publish.Redis.Addr, c.Publish.Redis.MaxLen)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, publish.NewSink(publish.Instrument(p, "redis", m), c.Publish.Prefix))
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

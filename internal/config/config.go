// Package config loads OES's environment-variable configuration
// surface, in the shape of ALonghi-go-trades-processor's
// internal/config.Config: a flat struct of `env:"..."` /
// `envDefault:"..."` tags parsed by github.com/caarlos0/env.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the full §6 configuration surface plus the listen address
// and data directory needed to run the binary.
type Config struct {
	// Store settings. The pebble-backed internal/store opens DataDir;
	// StoreHost, StorePort and StorePassword are parsed but not read.
	StoreHost     string `env:"STORE_HOST" envDefault:"127.0.0.1"`
	StorePort     int    `env:"STORE_PORT" envDefault:"6379"`
	StorePassword string `env:"STORE_PASSWORD"`
	DataDir       string `env:"OES_DATA_DIR" envDefault:"./data"`
	NoClearData   bool   `env:"OES_NO_CLEAR_DATA" envDefault:"false"`

	// Matching engine. Values are milliseconds, per the env var name.
	MatchTickMS int `env:"OES_MATCH_TICK_MS" envDefault:"100"`

	// Event bus.
	SnapshotMS int `env:"OES_SNAPSHOT_MS" envDefault:"100"`
	LatencyMS  int `env:"OES_LATENCY_MS" envDefault:"5000"`

	// Kafka outbox (internal/eventbus.KafkaSink).
	KafkaBrokers []string `env:"OES_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"OES_KAFKA_TOPIC" envDefault:"oes.events"`

	// Symbols the engine and snapshot broadcaster serve.
	Symbols []string `env:"OES_SYMBOLS" envSeparator:"," envDefault:"AAPL"`

	ListenAddr string `env:"OES_LISTEN_ADDR" envDefault:":8080"`
}

func (c Config) MatchTick() time.Duration      { return time.Duration(c.MatchTickMS) * time.Millisecond }
func (c Config) SnapshotInterval() time.Duration { return time.Duration(c.SnapshotMS) * time.Millisecond }
func (c Config) LatencyInterval() time.Duration  { return time.Duration(c.LatencyMS) * time.Millisecond }

// Load parses Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

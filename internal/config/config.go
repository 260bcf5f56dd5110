// Package config loads the daemon configuration from a file plus
// EVENTCENTRIC_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Storage StorageConfig `mapstructure:"storage"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Pull    PullConfig    `mapstructure:"pull"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Subscriptions are the producers this node replicates from. More can be
	// added at runtime; these are established on startup.
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions"`
}

type SubscriptionConfig struct {
	StreamType string `mapstructure:"stream_type"`
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
}

type NodeConfig struct {
	// StreamType is the node's identity: the stream type it publishes under.
	StreamType              string        `mapstructure:"stream_type"`
	SnapshotTTL             time.Duration `mapstructure:"snapshot_ttl"`
	PersistIncomingPayloads bool          `mapstructure:"persist_incoming_payloads"`
	DispatchShards          int           `mapstructure:"dispatch_shards"`
}

type StorageConfig struct {
	// Path of the SQLite database file.
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// Token guards the poll endpoints; consumers present it as a bearer token.
	Token string `mapstructure:"token"`
}

type PullConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Quantity int           `mapstructure:"quantity"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("eventcentric")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so AutomaticEnv picks them up even
	// without a config file.
	v.SetDefault("node.stream_type", "")
	v.SetDefault("node.persist_incoming_payloads", false)
	v.SetDefault("http.token", "")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("node.snapshot_ttl", "30m")
	v.SetDefault("node.dispatch_shards", 32)
	v.SetDefault("storage.path", "eventcentric.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("pull.interval", "1s")
	v.SetDefault("pull.quantity", 50)
	v.SetDefault("pull.timeout", "10s")
	v.SetDefault("nats.subject_prefix", "eventcentric")
	v.SetDefault("metrics.addr", ":9090")
}

func (c Config) Validate() error {
	if c.Node.StreamType == "" {
		return fmt.Errorf("node.stream_type is required")
	}
	if c.Pull.Quantity <= 0 {
		return fmt.Errorf("pull.quantity must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled=true")
	}
	for i, s := range c.Subscriptions {
		if s.StreamType == "" || s.URL == "" {
			return fmt.Errorf("subscriptions[%d] needs stream_type and url", i)
		}
	}
	return nil
}

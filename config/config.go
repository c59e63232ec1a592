package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const EnvPrefix = "POLLSUB"

type Config struct {
	Client struct {
		Origin          string        `mapstructure:"origin"`
		SubscribeKey    string        `mapstructure:"subscribe_key"`
		UUID            string        `mapstructure:"uuid"`
		AuthKey         string        `mapstructure:"auth_key"`
		TLS             bool          `mapstructure:"tls"`
		Heartbeat       time.Duration `mapstructure:"heartbeat"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
		LeavesPerSecond int           `mapstructure:"leaves_per_second"`
	} `mapstructure:"client"`
	Subscribe struct {
		Channels          []string      `mapstructure:"channels"`
		ChannelGroups     []string      `mapstructure:"channel_groups"`
		WithPresence      bool          `mapstructure:"with_presence"`
		Fresh             bool          `mapstructure:"fresh"`
		CatchUp           bool          `mapstructure:"catch_up"`
		CatchUpMaxAge     time.Duration `mapstructure:"catch_up_max_age"`
		CoalesceWindow    time.Duration `mapstructure:"coalesce_window"`
		BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
		BackoffMax        time.Duration `mapstructure:"backoff_max"`
		BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
		BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	} `mapstructure:"subscribe"`
	CursorStore struct {
		Enabled bool          `mapstructure:"enabled"`
		Addr    []string      `mapstructure:"addr"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cursor_store"`
	Forward struct {
		NatsEnabled   bool   `mapstructure:"nats_enabled"`
		NatsURL       string `mapstructure:"nats_url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"forward"`
	Server struct {
		Enabled         bool   `mapstructure:"enabled"`
		Host            string `mapstructure:"host"`
		Port            int    `mapstructure:"port"`
		ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // seconds
	} `mapstructure:"server"`
	Health struct {
		Enabled       bool   `mapstructure:"enabled"`
		Port          int    `mapstructure:"port"`
		ReadinessPath string `mapstructure:"readiness_path"`
		LivenessPath  string `mapstructure:"liveness_path"`
	} `mapstructure:"health"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.origin", "ps.pndsn.com")
	v.SetDefault("client.tls", true)
	v.SetDefault("client.heartbeat", 300*time.Second)
	v.SetDefault("client.request_timeout", 310*time.Second)
	v.SetDefault("client.leaves_per_second", 5)

	v.SetDefault("subscribe.catch_up", true)
	v.SetDefault("subscribe.catch_up_max_age", 0)
	v.SetDefault("subscribe.coalesce_window", 20*time.Millisecond)
	v.SetDefault("subscribe.backoff_initial", time.Second)
	v.SetDefault("subscribe.backoff_max", 32*time.Second)
	v.SetDefault("subscribe.backoff_multiplier", 2.0)
	v.SetDefault("subscribe.backoff_jitter", 0.2)

	v.SetDefault("cursor_store.enabled", false)
	v.SetDefault("cursor_store.ttl", 24*time.Hour)

	v.SetDefault("forward.nats_enabled", false)
	v.SetDefault("forward.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("forward.subject_prefix", "pollsub")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", 8081)
	v.SetDefault("health.readiness_path", "/health/ready")
	v.SetDefault("health.liveness_path", "/health/live")
}

func Load(cfgFile, env string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// If config file passed via CLI flag
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	// Merge environment-specific config (config.prod.yaml, etc.)
	if env != "" {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		_ = v.MergeInConfig() // optional, ignore error if not found
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Client.UUID == "" {
		cfg.Client.UUID = "pn-" + uuid.NewString()
	}

	return &cfg, nil
}

// Validate rejects configurations the client cannot start with.
func (c *Config) Validate() error {
	if c.Client.SubscribeKey == "" {
		return fmt.Errorf("client.subscribe_key is required")
	}
	if c.Client.Origin == "" {
		return fmt.Errorf("client.origin is required")
	}
	if c.CursorStore.Enabled && len(c.CursorStore.Addr) == 0 {
		return fmt.Errorf("cursor_store.addr is required when the cursor store is enabled")
	}
	if c.Subscribe.BackoffMax > 0 && c.Subscribe.BackoffInitial > c.Subscribe.BackoffMax {
		return fmt.Errorf("subscribe.backoff_initial (%s) exceeds subscribe.backoff_max (%s)", c.Subscribe.BackoffInitial, c.Subscribe.BackoffMax)
	}
	return nil
}

// Package config loads server configuration from a YAML file and
// LINGOPAD_-prefixed environment variables, with environment taking
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Conflict ConflictConfig `mapstructure:"conflict"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
}

// SessionConfig tunes presence and causal-buffer timing.
type SessionConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	RemovalGrace     time.Duration `mapstructure:"removal_grace"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	CausalWait       time.Duration `mapstructure:"causal_wait"`
}

// ConflictConfig tunes conflict detection and resolution policy.
type ConflictConfig struct {
	// AutoResolveHigh applies the deterministic union resolution to
	// high-severity conflicts instead of holding them for a reviewer.
	AutoResolveHigh bool `mapstructure:"auto_resolve_high"`
	// HighOverlapFraction is the overlap share of the shorter delete range
	// above which overlapping deletes are classified high severity.
	HighOverlapFraction float64 `mapstructure:"high_overlap_fraction"`
}

// StorageConfig selects the snapshot/checkpoint backend. A non-empty
// PostgresDSN selects Postgres; otherwise the embedded bolt file is used.
type StorageConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	BoltPath    string `mapstructure:"bolt_path"`
	CacheSize   int    `mapstructure:"cache_size"`
	QueueDepth  int    `mapstructure:"queue_depth"`
}

// RedisConfig covers the broadcast fan-out.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// AuthConfig covers token verification.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// Load reads lingopad.yaml (if present), applies defaults, then overlays
// LINGOPAD_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("lingopad")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/lingopad")

	setDefaults(v)

	v.SetEnvPrefix("LINGOPAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("session.heartbeat_timeout", "30s")
	v.SetDefault("session.removal_grace", "5m")
	v.SetDefault("session.sweep_interval", "5s")
	v.SetDefault("session.causal_wait", "10s")

	v.SetDefault("conflict.auto_resolve_high", false)
	v.SetDefault("conflict.high_overlap_fraction", 0.5)

	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.bolt_path", "lingopad.db")
	v.SetDefault("storage.cache_size", 256)
	v.SetDefault("storage.queue_depth", 1024)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)

	v.SetDefault("auth.issuer", "lingosphere")
}

func validate(cfg *Config) error {
	if cfg.Session.HeartbeatTimeout <= 0 {
		return fmt.Errorf("session.heartbeat_timeout must be positive")
	}
	if cfg.Session.RemovalGrace < cfg.Session.HeartbeatTimeout {
		return fmt.Errorf("session.removal_grace must be at least the heartbeat timeout")
	}
	if cfg.Session.CausalWait <= 0 {
		return fmt.Errorf("session.causal_wait must be positive")
	}
	if f := cfg.Conflict.HighOverlapFraction; f <= 0 || f > 1 {
		return fmt.Errorf("conflict.high_overlap_fraction must be in (0,1]")
	}
	if cfg.Storage.PostgresDSN == "" && cfg.Storage.BoltPath == "" {
		return fmt.Errorf("storage requires a postgres DSN or a bolt path")
	}
	return nil
}

// Package config loads the engine configuration via viper, from a yaml file
// and ANOMALYZE_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the scoring engine.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service" yaml:"service"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Profile  ProfileConfig  `mapstructure:"profile" yaml:"profile"`
	Velocity VelocityConfig `mapstructure:"velocity" yaml:"velocity"`
	Model    ModelConfig    `mapstructure:"model" yaml:"model"`
}

// ServiceConfig covers process-level settings.
type ServiceConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
	Production bool   `mapstructure:"production" yaml:"production"`
}

// RedisConfig configures the fast cache tier and velocity store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// DatabaseConfig configures the durable profile store.
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"` // postgres or sqlite
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpen     int    `mapstructure:"max_open" yaml:"max_open"`
	MaxIdle     int    `mapstructure:"max_idle" yaml:"max_idle"`
	ConnMaxLife int    `mapstructure:"conn_max_life" yaml:"conn_max_life"`
}

// ProfileConfig tunes the tiered profile store.
type ProfileConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	OpTimeout     time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// VelocityConfig tunes the sliding-window counter.
type VelocityConfig struct {
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// ModelConfig covers the model artifact and retraining schedule.
type ModelConfig struct {
	Path            string        `mapstructure:"path" yaml:"path"`
	Version         string        `mapstructure:"version" yaml:"version"`
	RetrainInterval time.Duration `mapstructure:"retrain_interval" yaml:"retrain_interval"`
	MinSamples      int           `mapstructure:"min_samples" yaml:"min_samples"`
	Contamination   float64       `mapstructure:"contamination" yaml:"contamination"`
	NumTrees        int           `mapstructure:"num_trees" yaml:"num_trees"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "anomalyze")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.production", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open", 10)
	v.SetDefault("database.max_idle", 2)
	v.SetDefault("database.conn_max_life", 3600)

	v.SetDefault("profile.cache_ttl", time.Hour)
	v.SetDefault("profile.flush_interval", 60*time.Second)
	v.SetDefault("profile.op_timeout", 2*time.Second)

	v.SetDefault("velocity.window", 600*time.Second)

	v.SetDefault("model.path", "./models/current_model.gob")
	v.SetDefault("model.version", "v1.0.0")
	v.SetDefault("model.retrain_interval", 24*time.Hour)
	v.SetDefault("model.min_samples", 1000)
	v.SetDefault("model.contamination", 0.05)
	v.SetDefault("model.num_trees", 150)
}

// Load reads configuration from the given file (optional) and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANOMALYZE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

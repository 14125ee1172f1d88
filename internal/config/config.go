package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// WebhooksConfig holds the delivery-subsystem knobs. All values are
// read-only inputs to the core.
type WebhooksConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MaxPerOwner          int           `mapstructure:"max_per_owner"`
	RequireHTTPS         bool          `mapstructure:"require_https"`
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	AutoDisableThreshold int64         `mapstructure:"auto_disable_threshold"`
	Workers              int           `mapstructure:"workers"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ClaimLease           time.Duration `mapstructure:"claim_lease"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("hookrelay")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hookrelay")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("HOOKRELAY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/hookrelay.db")

	viper.SetDefault("webhooks.enabled", true)
	viper.SetDefault("webhooks.max_per_owner", 10)
	viper.SetDefault("webhooks.require_https", true)
	viper.SetDefault("webhooks.timeout", 30*time.Second)
	viper.SetDefault("webhooks.max_attempts", 5)
	viper.SetDefault("webhooks.auto_disable_threshold", 10)
	viper.SetDefault("webhooks.workers", 10)
	viper.SetDefault("webhooks.poll_interval", 1*time.Second)
	viper.SetDefault("webhooks.claim_lease", 1*time.Minute)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

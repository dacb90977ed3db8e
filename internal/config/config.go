// Package config loads fleet settings from defaults, an optional fleet.yaml,
// FLEET_* environment variables and bound CLI flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration settings.
type Config struct {
	// Pool configuration
	Pool struct {
		Instances        int
		MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
		Balancer         string
		DiskCache        bool   `mapstructure:"disk_cache"`
		CacheDir         string `mapstructure:"cache_dir"`
	}
	// Server configuration
	Server struct {
		Addr        string
		CorsOrigins []string `mapstructure:"cors_origins"`
	}
	// Logging configuration
	Log struct {
		Level  string
		Format string
	}
}

// New returns a viper instance with defaults and environment binding set.
// Flags can be bound on it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetConfigName("fleet")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/fleet")
	v.AddConfigPath("/etc/fleet/")

	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file and decodes everything into a Config. An
// explicit path must exist; without one a missing fleet.yaml is fine.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Pool.Instances < 1 {
		return nil, fmt.Errorf("pool.instances must be at least 1, got %d", cfg.Pool.Instances)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.instances", 4)
	v.SetDefault("pool.memory_limit_pages", 0)
	v.SetDefault("pool.balancer", "round_robin")
	v.SetDefault("pool.disk_cache", false)
	v.SetDefault("pool.cache_dir", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

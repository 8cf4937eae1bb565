package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the benchmark configuration after defaults, file, environment
// and flags have been merged.
type Config struct {
	Op          string `mapstructure:"op"`
	Size        int    `mapstructure:"size"`
	Iterations  int    `mapstructure:"iterations"`
	Workers     int    `mapstructure:"workers"`
	Ack         string `mapstructure:"ack"`
	InlineLimit int    `mapstructure:"inline_limit"`
	Logical     bool   `mapstructure:"logical"`
	Metrics     bool   `mapstructure:"metrics"`
	Debug       bool   `mapstructure:"debug"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("op", "put")
	v.SetDefault("size", 64)
	v.SetDefault("iterations", 1000)
	v.SetDefault("workers", 1)
	v.SetDefault("ack", "full")
	v.SetDefault("inline_limit", 1024)
	v.SetDefault("logical", false)
	v.SetDefault("metrics", false)
	v.SetDefault("debug", false)
}

// loadConfig reads an optional YAML file, then PTLBENCH_* environment
// variables, then whatever flags v has been bound to.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("ptlbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ptlbench")
		_ = v.ReadInConfig()
	}
	v.SetEnvPrefix("PTLBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Op {
	case "put", "get", "atomic":
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
	switch c.Ack {
	case "full", "ct", "none":
	default:
		return fmt.Errorf("unknown ack mode %q", c.Ack)
	}
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", c.Size)
	}
	if c.Op == "atomic" && c.Size%8 != 0 {
		return fmt.Errorf("atomic size must be a multiple of 8, got %d", c.Size)
	}
	if c.Iterations <= 0 || c.Workers <= 0 {
		return fmt.Errorf("iterations and workers must be positive")
	}
	return nil
}

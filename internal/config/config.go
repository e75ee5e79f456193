// Package config loads sift's runtime configuration from a TOML file,
// environment variables and CLI flags, in that order of increasing
// precedence, via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration for a sift instance.
type Config struct {
	// DBPath is the root directory holding the task registry, index
	// environments, update files, and the version file.
	DBPath string `mapstructure:"db_path"`

	// MaxIndexingMemoryMB is loaded and defaulted but not read by any
	// component; the index operation engine's buffers are not bounded by it.
	MaxIndexingMemoryMB int `mapstructure:"max_indexing_memory_mb"`

	// AutobatchingEnabled is loaded and defaulted but not passed to the
	// scheduler, which autobatches regardless of its value.
	AutobatchingEnabled bool `mapstructure:"autobatching_enabled"`

	// SchedulerTickInterval bounds how long the scheduler can go without
	// checking the queue even with no wake signal.
	SchedulerTickInterval time.Duration `mapstructure:"scheduler_tick_interval"`

	// MaxBatchSizeBytes is the size limit consulted by the batch creator's
	// ReachedSizeLimit stop condition.
	MaxBatchSizeBytes int64 `mapstructure:"max_batch_size_bytes"`

	// MaxTasksPerBatch is the count limit consulted by the batch creator's
	// ReachedTaskLimit stop condition.
	MaxTasksPerBatch int `mapstructure:"max_tasks_per_batch"`

	LogLevel  string `mapstructure:"log_level"`
	LogJSON   bool   `mapstructure:"log_json"`
	MetricsOn bool   `mapstructure:"metrics_enabled"`
}

// Default returns the configuration used when no file, env var or flag
// overrides a field.
func Default() Config {
	return Config{
		DBPath:                "./data.sift",
		MaxIndexingMemoryMB:   512,
		AutobatchingEnabled:   true,
		SchedulerTickInterval: 10 * time.Minute,
		MaxBatchSizeBytes:     100 * 1024 * 1024,
		MaxTasksPerBatch:      1000,
		LogLevel:              "info",
		LogJSON:               true,
		MetricsOn:             true,
	}
}

// Load resolves configuration from, in increasing precedence: built-in
// defaults, the TOML file at path (if non-empty and present), SIFT_*
// environment variables, and any flags already bound into v by the caller.
func Load(path string, v *viper.Viper) (Config, error) {
	cfg := Default()

	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("SIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("reading config file %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("max_indexing_memory_mb", cfg.MaxIndexingMemoryMB)
	v.SetDefault("autobatching_enabled", cfg.AutobatchingEnabled)
	v.SetDefault("scheduler_tick_interval", cfg.SchedulerTickInterval)
	v.SetDefault("max_batch_size_bytes", cfg.MaxBatchSizeBytes)
	v.SetDefault("max_tasks_per_batch", cfg.MaxTasksPerBatch)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_json", cfg.LogJSON)
	v.SetDefault("metrics_enabled", cfg.MetricsOn)
}

// WriteExample writes a commented example sift.toml to path, used by
// `sift config init`.
func WriteExample(path string) error {
	cfg := Default()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

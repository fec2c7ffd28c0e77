// Package appconfig loads the configuration shared by the services.
//
// Values come from Default(), then a config.{yaml,json,toml} file in the
// working directory, then environment variables. Environment variables use
// the prefix PRACTICEOPS and "." in keys becomes "_": stream.heavy_timeout is
// PRACTICEOPS_STREAM_HEAVY_TIMEOUT. Durations are written as "30s", "6h".
//
// Secrets are not part of this struct; services inject them from Encore
// secrets after loading.
package appconfig

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lexops/practiceops/pkg/cachestore"
	"github.com/lexops/practiceops/pkg/practiceapi"
	"github.com/lexops/practiceops/pkg/readthrough"
)

// Config aggregates configuration for the application.
// Each section is owned by the package that consumes it.
type Config struct {
	Namespace   string             `mapstructure:"namespace"`
	Cache       cachestore.Config  `mapstructure:"cache"`
	ReadThrough readthrough.Config `mapstructure:"readthrough"`
	PracticeAPI practiceapi.Config `mapstructure:"practice_api"`
	Fallback    FallbackConfig     `mapstructure:"fallback"`
	Stream      StreamConfig       `mapstructure:"stream"`
	Locks       LockConfig         `mapstructure:"locks"`
	Warming     WarmingConfig      `mapstructure:"warming"`

	// Datasets overrides the built-in descriptor table by dataset name.
	Datasets map[string]DatasetOverride `mapstructure:"datasets"`
}

// FallbackConfig tunes the primary/secondary source chain.
type FallbackConfig struct {
	PrimaryTimeout time.Duration `mapstructure:"primary_timeout"`
}

// StreamConfig tunes dataset streaming.
type StreamConfig struct {
	LightTimeout       time.Duration `mapstructure:"light_timeout"`
	HeavyTimeout       time.Duration `mapstructure:"heavy_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	RetryHint          time.Duration `mapstructure:"retry_hint"`
	MaxConcurrentLight int           `mapstructure:"max_concurrent_light"`
	EventBuffer        int           `mapstructure:"event_buffer"`

	// Per-caller stream admission: sustained streams per second and burst.
	AdmissionRate  float64 `mapstructure:"admission_rate"`
	AdmissionBurst int     `mapstructure:"admission_burst"`
}

// LockConfig sets distributed lock lifetimes.
type LockConfig struct {
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

// WarmingConfig tunes the prewarming worker pool.
type WarmingConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// RefreshRate caps forced refreshes per second across all workers.
	RefreshRate float64 `mapstructure:"refresh_rate"`
}

// DatasetOverride replaces the TTL or class of one dataset. Zero values keep
// the built-in setting.
type DatasetOverride struct {
	TTL   time.Duration `mapstructure:"ttl"`
	Class string        `mapstructure:"class"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Namespace:   "practiceops",
		Cache:       cachestore.DefaultConfig(),
		ReadThrough: readthrough.DefaultConfig(),
		PracticeAPI: practiceapi.DefaultConfig(),
		Fallback: FallbackConfig{
			PrimaryTimeout: 20 * time.Second,
		},
		Stream: StreamConfig{
			LightTimeout:       30 * time.Second,
			HeavyTimeout:       5 * time.Minute,
			HeartbeatInterval:  15 * time.Second,
			RetryHint:          5 * time.Second,
			MaxConcurrentLight: 4,
			EventBuffer:        16,
			AdmissionRate:      1,
			AdmissionBurst:     5,
		},
		Locks: LockConfig{
			RefreshTTL: 10 * time.Minute,
		},
		Warming: WarmingConfig{
			Workers:     2,
			QueueSize:   100,
			MaxRetries:  3,
			BackoffBase: 2 * time.Second,
			TaskTimeout: 10 * time.Minute,
			RefreshRate: 1,
		},
	}
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	cfg := Default()

	v.SetConfigName("config")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("PRACTICEOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with. Dataset names are
// checked by the dataset registry.
func (c *Config) Validate() error {
	switch {
	case c.Namespace == "":
		return fmt.Errorf("config: namespace is required")
	case c.Stream.LightTimeout <= 0 || c.Stream.HeavyTimeout <= 0:
		return fmt.Errorf("config: stream timeouts must be positive")
	case c.Stream.HeavyTimeout < c.Stream.LightTimeout:
		return fmt.Errorf("config: stream.heavy_timeout (%s) is shorter than stream.light_timeout (%s)",
			c.Stream.HeavyTimeout, c.Stream.LightTimeout)
	case c.Stream.HeartbeatInterval <= 0:
		return fmt.Errorf("config: stream.heartbeat_interval must be positive")
	case c.Stream.MaxConcurrentLight <= 0:
		return fmt.Errorf("config: stream.max_concurrent_light must be positive")
	case c.Locks.RefreshTTL <= 0:
		return fmt.Errorf("config: locks.refresh_ttl must be positive")
	}
	for name, o := range c.Datasets {
		if o.TTL < 0 {
			return fmt.Errorf("config: datasets.%s.ttl is negative", name)
		}
	}
	return nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		switch f.Type.Kind() {
		case reflect.Struct:
			bindEnvs(v, val.Field(i).Interface(), key...)
		case reflect.Map:
			// Map keys are data, not schema; they come from the config file.
		default:
			_ = v.BindEnv(strings.Join(key, "."))
		}
	}
}

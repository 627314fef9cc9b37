// Package config loads the settings of the image cache from a YAML file,
// the environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/anastasop/imgcache/internal/budget"
	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/plan"
	"github.com/anastasop/imgcache/internal/prefetch"
)

// EnvPrefix prefixes the environment variables read, as in IMGCACHE_MAX_MB.
const EnvPrefix = "IMGCACHE"

// FileName is the name of the config file looked up in the home and the
// current directory.
const FileName = ".imgcache"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	MaxMB float64 `mapstructure:"max_mb"`
	MinMB float64 `mapstructure:"min_mb"`

	Decoders           int           `mapstructure:"decoders"`
	Ahead              int           `mapstructure:"ahead"`
	Behind             int           `mapstructure:"behind"`
	DirectionThreshold int           `mapstructure:"direction_threshold"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`

	ColorManage     bool    `mapstructure:"color_manage"`
	MmapThresholdMB float64 `mapstructure:"mmap_threshold_mb"`
	MaxDimension    int     `mapstructure:"max_dimension"`
	MetadataWorkers int     `mapstructure:"metadata_workers"`

	LogLevel string `mapstructure:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxMB:              1024,
		MinMB:              128,
		Decoders:           runtime.NumCPU(),
		Ahead:              plan.DefaultPolicy.Ahead,
		Behind:             plan.DefaultPolicy.Behind,
		DirectionThreshold: plan.DefaultThreshold,
		MaxAttempts:        3,
		MaxRetries:         5,
		RetryDelay:         250 * time.Millisecond,
		ColorManage:        false,
		MmapThresholdMB:    32,
		MaxDimension:       0,
		MetadataWorkers:    runtime.NumCPU(),
		LogLevel:           "info",
	}
}

// NewViper returns a viper that knows every key, with the defaults set
// and the environment bound.
func NewViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()
	v.SetDefault("max_mb", d.MaxMB)
	v.SetDefault("min_mb", d.MinMB)
	v.SetDefault("decoders", d.Decoders)
	v.SetDefault("ahead", d.Ahead)
	v.SetDefault("behind", d.Behind)
	v.SetDefault("direction_threshold", d.DirectionThreshold)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("color_manage", d.ColorManage)
	v.SetDefault("mmap_threshold_mb", d.MmapThresholdMB)
	v.SetDefault("max_dimension", d.MaxDimension)
	v.SetDefault("metadata_workers", d.MetadataWorkers)
	v.SetDefault("log_level", d.LogLevel)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, or $HOME/.imgcache.yaml or
// ./.imgcache.yaml if path is empty, over the defaults. A missing default
// file is not an error, a missing named file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to find home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Budget returns the configured memory budget.
func (c *Config) Budget() budget.Budget {
	return budget.Budget{MaxMB: c.MaxMB, MinMB: c.MinMB}
}

// Level returns the log level. Call Validate first.
func (c *Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

func (c *Config) Validate() error {
	if err := c.Budget().Valid(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Decoders < 0 {
		return fmt.Errorf("%w: decoders %d is negative", ErrInvalid, c.Decoders)
	}
	if c.Ahead < 0 || c.Behind < 0 || c.Ahead+c.Behind == 0 {
		return fmt.Errorf("%w: ahead:behind %d:%d", ErrInvalid, c.Ahead, c.Behind)
	}
	if c.DirectionThreshold < 1 {
		return fmt.Errorf("%w: direction threshold %d must be at least 1", ErrInvalid, c.DirectionThreshold)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d must be at least 1", ErrInvalid, c.MaxAttempts)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d is negative", ErrInvalid, c.MaxRetries)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("%w: retry delay %v must be positive", ErrInvalid, c.RetryDelay)
	}
	if c.MmapThresholdMB < 0 || c.MaxDimension < 0 || c.MetadataWorkers < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	return nil
}

// Options converts the config into controller options.
func (c *Config) Options(log *logrus.Entry) prefetch.Options {
	retries := c.MaxRetries
	if retries == 0 {
		retries = -1 // no retries; zero picks the default
	}
	return prefetch.Options{
		Decoders:           c.Decoders,
		Budget:             c.Budget(),
		Policy:             plan.Policy{Ahead: c.Ahead, Behind: c.Behind},
		DirectionThreshold: c.DirectionThreshold,
		MaxAttempts:        c.MaxAttempts,
		MaxRetries:         retries,
		RetryDelay:         c.RetryDelay,
		Decode: decode.Options{
			MmapThresholdMB: c.MmapThresholdMB,
			MaxDimension:    c.MaxDimension,
			ColorManage:     c.ColorManage,
		},
		Log: log,
	}
}

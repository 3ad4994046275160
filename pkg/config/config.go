// Package config loads the server configuration from an optional file and
// command line flags.
//
// Precedence, highest first:
//  1. flags that were set on the command line
//  2. the configuration file (YAML, TOML or JSON)
//  3. defaults
//
// Environment variables are not read.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oarkflow/minidrive/pkg/mirror"
)

// Config is the static configuration of a minidrive server.
type Config struct {
	// Root is the storage root holding one directory per user.
	Root string `mapstructure:"root" validate:"required"`

	// Address is the interface to listen on.
	Address string `mapstructure:"address"`

	// Port is the MiniDrive protocol port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// ChunkSize is the transfer copy granularity, e.g. "64KiB".
	ChunkSize string `mapstructure:"chunk_size"`

	// MaxFrame bounds one control frame, e.g. "64KiB".
	MaxFrame string `mapstructure:"max_frame"`

	// IdleTimeout ends sessions that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	// ShutdownTimeout bounds the wait for sessions on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// ReadOnly refuses every mutating command.
	ReadOnly bool `mapstructure:"read_only"`

	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	SFTP    SFTPConfig    `mapstructure:"sftp"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`

	chunkSize int
	maxFrame  int
}

type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	// Address serves /metrics when not empty, e.g. "127.0.0.1:9090".
	Address string `mapstructure:"address"`
}

type SFTPConfig struct {
	// Address enables the SFTP gateway when not empty, e.g. "0.0.0.0:2022".
	Address string `mapstructure:"address"`

	// HostKey is the PEM host key path, generated when missing.
	HostKey string `mapstructure:"host_key"`
}

type MirrorConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	mirror.Option `mapstructure:",squash"`
}

// ChunkBytes returns the parsed chunk size.
func (c *Config) ChunkBytes() int {
	return c.chunkSize
}

// MaxFrameBytes returns the parsed frame limit.
func (c *Config) MaxFrameBytes() int {
	return c.maxFrame
}

// Flag names bound to configuration keys.
var flagKeys = map[string]string{
	"root":          "root",
	"address":       "address",
	"port":          "port",
	"log":           "logging.output",
	"log-level":     "logging.level",
	"metrics-addr":  "metrics.address",
	"sftp-addr":     "sftp.address",
	"idle-timeout":  "idle_timeout",
	"chunk-size":    "chunk_size",
	"read-only":     "read_only",
	"sftp-host-key": "sftp.host_key",
}

// Load reads the file at path, if any, overlays the flags that were set and
// returns the validated configuration.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %q: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", "0.0.0.0")
	v.SetDefault("chunk_size", "64KiB")
	v.SetDefault("max_frame", "64KiB")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.output", "stdout")
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Address == "" {
		cfg.Address = "0.0.0.0"
	}
	if cfg.ChunkSize == "" {
		cfg.ChunkSize = "64KiB"
	}
	if cfg.MaxFrame == "" {
		cfg.MaxFrame = "64KiB"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// Validate checks struct constraints and parses the size fields.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Mirror.Enabled && cfg.Mirror.Bucket == "" {
		return fmt.Errorf("mirror.bucket is required when the mirror is enabled")
	}
	chunk, err := parseSize("chunk_size", cfg.ChunkSize, 1, 64<<20)
	if err != nil {
		return err
	}
	frame, err := parseSize("max_frame", cfg.MaxFrame, 256, 16<<20)
	if err != nil {
		return err
	}
	cfg.chunkSize, cfg.maxFrame = chunk, frame
	if info, err := os.Stat(cfg.Root); err == nil && !info.IsDir() {
		return fmt.Errorf("root %q is not a directory", cfg.Root)
	}
	return nil
}

func parseSize(key, s string, lo, hi uint64) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s: %s is outside [%s, %s]", key, s, humanize.IBytes(lo), humanize.IBytes(hi))
	}
	return int(n), nil
}

// Package config loads duparc's configuration from flags, environment
// variables, a config file and defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/duparc/duparc/internal/bytesize"
)

// Config is duparc's static configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DUPARC_*), only for keys the configuration
//     file sets; when no file is found, environment variables are not read
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Dedupe controls the content-defined chunking and matching parameters.
	Dedupe DedupeConfig `mapstructure:"dedupe" yaml:"dedupe"`

	// Pipeline controls the concurrent compressor pipeline.
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// DedupeConfig controls the engine's chunking, matching and memory budget.
type DedupeConfig struct {
	// SmallBlock is the small-block dedup granularity in bytes.
	SmallBlock uint64 `mapstructure:"small_block" validate:"required,gt=0" yaml:"small_block"`

	// LargeBlock is the large-block dedup granularity in bytes. Must be a
	// multiple of SmallBlock and strictly greater than it.
	LargeBlock uint64 `mapstructure:"large_block" validate:"required,gt=0" yaml:"large_block"`

	// Memory is the fixed memory budget for the hash index.
	// Supports human-readable formats: "512Mi", "1Gi", "100MB".
	Memory bytesize.ByteSize `mapstructure:"memory" validate:"required" yaml:"memory"`

	// HashSeed seeds the strong hash and the per-file content hash; the
	// rolling window fingerprint takes no seed.
	// Two archives with different seeds never dedup against each other.
	HashSeed uint32 `mapstructure:"hash_seed" yaml:"hash_seed"`

	// CodecLevel is the compression level passed to the codec (0-9, codec
	// dependent).
	CodecLevel int `mapstructure:"codec_level" validate:"gte=0,lte=9" yaml:"codec_level"`

	// IterativeResolve switches restore's chunk resolution from the
	// default recursive walk to an explicit work-stack walk. Both produce
	// identical bytes; this exists for archives whose payload graphs are
	// deep enough that bounding call-stack growth matters more than the
	// heap allocation an explicit stack costs.
	IterativeResolve bool `mapstructure:"iterative_resolve" yaml:"iterative_resolve"`
}

// PipelineConfig controls the concurrent compressor pipeline.
type PipelineConfig struct {
	// Workers is the number of concurrent compressor worker slots.
	// Default: runtime.NumCPU().
	Workers int `mapstructure:"workers" validate:"omitempty,gt=0" yaml:"workers"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Addr is the listen address for the metrics endpoint, e.g. ":9090".
	Addr string `mapstructure:"addr" validate:"omitempty" yaml:"addr"`
}

// Load loads configuration from file, environment, and defaults. When no
// configuration file is found it returns DefaultConfig() unchanged;
// otherwise environment variables override only keys present in the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := DefaultConfig()
		return cfg, Validate(cfg)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no config file is found.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Dedupe.SmallBlock == 0 {
		cfg.Dedupe.SmallBlock = 4096
	}
	if cfg.Dedupe.LargeBlock == 0 {
		cfg.Dedupe.LargeBlock = 512 * 1024
	}
	if cfg.Dedupe.Memory == 0 {
		cfg.Dedupe.Memory = 256 * bytesize.MiB
	}
	if cfg.Dedupe.CodecLevel == 0 {
		cfg.Dedupe.CodecLevel = 3
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

var validate = validator.New()

// Validate checks struct tags and the engine's block-size invariant.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Dedupe.LargeBlock <= cfg.Dedupe.SmallBlock || cfg.Dedupe.LargeBlock%cfg.Dedupe.SmallBlock != 0 {
		return fmt.Errorf("dedupe.large_block (%d) must be a multiple of and greater than dedupe.small_block (%d)",
			cfg.Dedupe.LargeBlock, cfg.Dedupe.SmallBlock)
	}
	return nil
}

// SaveConfig saves cfg to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("DUPARC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "duparc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "duparc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

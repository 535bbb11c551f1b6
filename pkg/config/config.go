// Package config loads the combine cache's static configuration:
// everything the write-combining core, the data-thread pool, the
// binlog writer, and the storage sink need at startup.
//
// Loading follows a fixed precedence order: CLI flag > environment
// variable (COMBINE_*) > YAML file > built-in defaults, via
// spf13/viper with mapstructure tags, validated with
// go-playground/validator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vazmin/combinecache/internal/bytesize"
)

// Config is the top-level, static configuration for a combine cache
// process.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus metrics server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Tunables holds the combine-policy knobs recognized by the OTID
	// insert handler and combine handler.
	Tunables TunablesConfig `mapstructure:"tunables" yaml:"tunables"`

	// Shards controls the OTID/OBID sharded hash table sizing.
	Shards ShardConfig `mapstructure:"shards" yaml:"shards"`

	// DataThreads controls the data-thread pool.
	DataThreads DataThreadConfig `mapstructure:"data_threads" yaml:"data_threads"`

	// Binlog controls the replication binlog writer.
	Binlog BinlogConfig `mapstructure:"binlog" yaml:"binlog"`

	// Storage selects and configures the storage-tier sink the
	// data-thread pool dispatches flushed slices to.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// DataGroups enumerates the server groups this client talks to,
	// one per replication group.
	DataGroups []DataGroupConfig `mapstructure:"data_groups" yaml:"data_groups"`
}

// LoggingConfig controls the structured logger (internal/logger).
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// TunablesConfig mirrors combine.Tunables with YAML/env tags; converted
// via ToTunables before being handed to the combine façade.
type TunablesConfig struct {
	MinWaitTimeMs                 int64           `mapstructure:"min_wait_time_ms" yaml:"min_wait_time_ms" validate:"gte=0"`
	MaxWaitTimeMs                 int64           `mapstructure:"max_wait_time_ms" yaml:"max_wait_time_ms" validate:"gtfield=MinWaitTimeMs"`
	SkipCombineOnSliceSize        bytesize.ByteSize `mapstructure:"skip_combine_on_slice_size" yaml:"skip_combine_on_slice_size" validate:"gt=0"`
	SkipCombineOnLastMergedSlices uint32          `mapstructure:"skip_combine_on_last_merged_slices" yaml:"skip_combine_on_last_merged_slices" validate:"gt=0"`
}

// ShardConfig sizes the OTID and OBID sharded hash tables.
type ShardConfig struct {
	OTIDShardCount   int `mapstructure:"otid_shard_count" yaml:"otid_shard_count" validate:"gt=0"`
	OBIDShardCount   int `mapstructure:"obid_shard_count" yaml:"obid_shard_count" validate:"gt=0"`
	OTIDElementLimit int `mapstructure:"otid_element_limit" yaml:"otid_element_limit" validate:"gt=0"`
	OBIDElementLimit int `mapstructure:"obid_element_limit" yaml:"obid_element_limit" validate:"gt=0"`
	OTIDMinTTLMs     int64 `mapstructure:"otid_min_ttl_ms" yaml:"otid_min_ttl_ms" validate:"gte=0"`
	SlabCapacity     int64 `mapstructure:"slab_capacity" yaml:"slab_capacity" validate:"gte=0"`
	TimerPrecisionMs int64 `mapstructure:"timer_precision_ms" yaml:"timer_precision_ms" validate:"gt=0"`
	WheelSize        int   `mapstructure:"wheel_size" yaml:"wheel_size" validate:"gt=0"`
}

// DataThreadConfig sizes the master/slave data-thread sub-pools.
type DataThreadConfig struct {
	Master    int `mapstructure:"master" yaml:"master" validate:"gt=0"`
	Slave     int `mapstructure:"slave" yaml:"slave" validate:"gte=0"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"gt=0"`
}

// BinlogConfig controls the replication binlog writer.
type BinlogConfig struct {
	Dir             string            `mapstructure:"dir" yaml:"dir" validate:"required"`
	MaxSegmentBytes bytesize.ByteSize `mapstructure:"max_segment_bytes" yaml:"max_segment_bytes" validate:"gt=0"`
	PositionDir     string            `mapstructure:"position_dir" yaml:"position_dir" validate:"required"`
}

// StorageConfig selects the storage-tier sink implementation.
type StorageConfig struct {
	// Backend selects the Sink implementation: "memory" or "s3".
	Backend string    `mapstructure:"backend" yaml:"backend" validate:"required,oneof=memory s3"`
	S3      S3Config  `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures the S3-backed storage.Sink.
type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	KeyPrefix      string `mapstructure:"key_prefix" yaml:"key_prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// DataGroupConfig identifies one server group (replication group) this
// client writes to.
type DataGroupConfig struct {
	ID       int  `mapstructure:"id" yaml:"id"`
	IsMaster bool `mapstructure:"is_master" yaml:"is_master"`
}

// envPrefix is the prefix every environment-variable override uses:
// COMBINE_TUNABLES_MIN_WAIT_TIME_MS, COMBINE_STORAGE_BACKEND, etc.
const envPrefix = "COMBINE"

// Load reads configuration from path (if non-empty), then from
// environment variables prefixed COMBINE_, falling back to
// DefaultConfig for anything left unset, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToByteSizeHookFunc(),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadYAML parses raw YAML bytes directly, bypassing viper/env
// overrides. Used by tests.
func LoadYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfigDir resolves the default configuration directory, honoring
// XDG_CONFIG_HOME and falling back to ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "combinectl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "combinectl")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the
// default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// MustLoad loads configuration from configPath, or from the default
// location if configPath is empty, returning a descriptive error if
// neither exists. Backs every combinectl subcommand that needs a
// loaded Config.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("config: no configuration file found at default location: %s\n\n"+
				"initialize one first:\n  combinectl init\n\n"+
				"or specify a custom config file:\n  combinectl <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config: configuration file not found: %s\n\n"+
			"create it with:\n  combinectl init --config %s", configPath, configPath)
	}
	return Load(configPath)
}

// WriteSample writes a fully-populated default configuration to path,
// failing if the file exists unless force is set. Backs `combinectl
// init`.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	cfg := DefaultConfig()
	ApplyDefaults(cfg)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal sample: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

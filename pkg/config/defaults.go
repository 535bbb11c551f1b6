package config

import (
	"strings"

	"github.com/vazmin/combinecache/internal/bytesize"
)

// DefaultConfig returns a fully populated Config with reasonable
// baseline tunables (min_wait=10ms, max_wait=100ms, skip_on_size=64Ki)
// and ambient-stack defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true, Addr: "127.0.0.1:9090", Path: "/metrics"},
		Tunables: TunablesConfig{
			MinWaitTimeMs:                 10,
			MaxWaitTimeMs:                 100,
			SkipCombineOnSliceSize:        64 * bytesize.KiB,
			SkipCombineOnLastMergedSlices: 4,
		},
		Shards: ShardConfig{
			OTIDShardCount:   64,
			OBIDShardCount:   64,
			OTIDElementLimit: 65536,
			OBIDElementLimit: 65536,
			OTIDMinTTLMs:     30_000,
			SlabCapacity:     1024,
			TimerPrecisionMs: 1,
			WheelSize:        4096,
		},
		DataThreads: DataThreadConfig{
			Master:    8,
			Slave:     4,
			QueueSize: 256,
		},
		Binlog: BinlogConfig{
			Dir:             "/var/lib/combinecache/binlog",
			MaxSegmentBytes: 64 * bytesize.MiB,
			PositionDir:     "/var/lib/combinecache/position",
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
	}
}

// ApplyDefaults fills in zero-valued fields of an already-decoded
// Config with DefaultConfig's values, treating zero values as
// "unspecified" after decode.
func ApplyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = def.Metrics.Addr
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}

	if cfg.Tunables.MinWaitTimeMs == 0 {
		cfg.Tunables.MinWaitTimeMs = def.Tunables.MinWaitTimeMs
	}
	if cfg.Tunables.MaxWaitTimeMs == 0 {
		cfg.Tunables.MaxWaitTimeMs = def.Tunables.MaxWaitTimeMs
	}
	if cfg.Tunables.SkipCombineOnSliceSize == 0 {
		cfg.Tunables.SkipCombineOnSliceSize = def.Tunables.SkipCombineOnSliceSize
	}
	if cfg.Tunables.SkipCombineOnLastMergedSlices == 0 {
		cfg.Tunables.SkipCombineOnLastMergedSlices = def.Tunables.SkipCombineOnLastMergedSlices
	}

	if cfg.Shards.OTIDShardCount == 0 {
		cfg.Shards.OTIDShardCount = def.Shards.OTIDShardCount
	}
	if cfg.Shards.OBIDShardCount == 0 {
		cfg.Shards.OBIDShardCount = def.Shards.OBIDShardCount
	}
	if cfg.Shards.OTIDElementLimit == 0 {
		cfg.Shards.OTIDElementLimit = def.Shards.OTIDElementLimit
	}
	if cfg.Shards.OBIDElementLimit == 0 {
		cfg.Shards.OBIDElementLimit = def.Shards.OBIDElementLimit
	}
	if cfg.Shards.SlabCapacity == 0 {
		cfg.Shards.SlabCapacity = def.Shards.SlabCapacity
	}
	if cfg.Shards.TimerPrecisionMs == 0 {
		cfg.Shards.TimerPrecisionMs = def.Shards.TimerPrecisionMs
	}
	if cfg.Shards.WheelSize == 0 {
		cfg.Shards.WheelSize = def.Shards.WheelSize
	}

	if cfg.DataThreads.Master == 0 {
		cfg.DataThreads.Master = def.DataThreads.Master
	}
	if cfg.DataThreads.QueueSize == 0 {
		cfg.DataThreads.QueueSize = def.DataThreads.QueueSize
	}

	if cfg.Binlog.Dir == "" {
		cfg.Binlog.Dir = def.Binlog.Dir
	}
	if cfg.Binlog.MaxSegmentBytes == 0 {
		cfg.Binlog.MaxSegmentBytes = def.Binlog.MaxSegmentBytes
	}
	if cfg.Binlog.PositionDir == "" {
		cfg.Binlog.PositionDir = def.Binlog.PositionDir
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
}

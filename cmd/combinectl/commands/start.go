package commands

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vazmin/combinecache/internal/logger"
	"github.com/vazmin/combinecache/pkg/combine"
	"github.com/vazmin/combinecache/pkg/combine/binlog"
	"github.com/vazmin/combinecache/pkg/combine/storage"
	"github.com/vazmin/combinecache/pkg/combine/storage/memory"
	"github.com/vazmin/combinecache/pkg/combine/storage/s3"
	"github.com/vazmin/combinecache/pkg/config"
	"github.com/vazmin/combinecache/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the combine cache process",
	Long: `Start the write-combining cache process with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/combinectl/config.yaml.

Examples:
  # Start with the default config
  combinectl start

  # Start with a custom config file
  combinectl start --config /etc/combinectl/config.yaml

  # Override a tunable via environment variable
  COMBINE_TUNABLES_MIN_WAIT_TIME_MS=50 combinectl start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting combine cache",
		"version", Version,
		"storage_backend", cfg.Storage.Backend,
	)

	sink, closeSink, err := buildSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to construct storage sink: %w", err)
	}
	defer closeSink()

	var binlogWriter *binlog.Writer
	if cfg.Binlog.Dir != "" {
		binlogWriter, err = binlog.OpenWriter(cfg.Binlog.Dir, binlog.WithMaxSegmentBytes(int64(cfg.Binlog.MaxSegmentBytes)))
		if err != nil {
			return fmt.Errorf("failed to open binlog writer: %w", err)
		}
		defer binlogWriter.Close()
	}

	var combineMetrics combine.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		reg := metrics.InitRegistry()
		combineMetrics = metrics.NewCombineMetrics(reg)

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logger.Err(err))
			}
		}()
	}

	tunables := cfg.Tunables.ToTunables()
	cache, err := combine.New(combine.Options{
		Sink:             sink,
		Binlog:           binlogWriter,
		Tunables:         func(uint64) combine.Tunables { return tunables },
		Metrics:          combineMetrics,
		OTIDShardCount:   cfg.Shards.OTIDShardCount,
		OTIDElementLimit: cfg.Shards.OTIDElementLimit,
		OTIDMinTTL:       time.Duration(cfg.Shards.OTIDMinTTLMs) * time.Millisecond,
		OBIDShardCount:   cfg.Shards.OBIDShardCount,
		OBIDElementLimit: cfg.Shards.OBIDElementLimit,
		SlabCapacity:     cfg.Shards.SlabCapacity,
		WheelSize:        cfg.Shards.WheelSize,
		WheelPrecision:   time.Duration(cfg.Shards.TimerPrecisionMs) * time.Millisecond,
		MasterWorkers:    cfg.DataThreads.Master,
		MasterQueueSize:  cfg.DataThreads.QueueSize,
		SlaveWorkers:     cfg.DataThreads.Slave,
		SlaveQueueSize:   cfg.DataThreads.QueueSize,
	})
	if err != nil {
		return fmt.Errorf("failed to construct cache: %w", err)
	}

	cache.Start(ctx)
	logger.Info("combine cache started",
		"otid_shards", cfg.Shards.OTIDShardCount,
		"obid_shards", cfg.Shards.OBIDShardCount,
		"data_threads_master", cfg.DataThreads.Master,
		"data_threads_slave", cfg.DataThreads.Slave,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining cache")

	cache.Stop()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	logger.Info("combine cache stopped")
	return nil
}

// buildSink constructs the storage.Sink selected by cfg.Storage.Backend,
// and a cleanup func that closes it.
func buildSink(ctx context.Context, cfg *config.Config) (storage.Sink, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		sink := memory.New()
		return sink, func() { _ = sink.Close() }, nil
	case "s3":
		sink, err := s3.NewFromConfig(ctx, s3.Config{
			Bucket:         cfg.Storage.S3.Bucket,
			Region:         cfg.Storage.S3.Region,
			Endpoint:       cfg.Storage.S3.Endpoint,
			KeyPrefix:      cfg.Storage.S3.KeyPrefix,
			ForcePathStyle: cfg.Storage.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	ApplyDefaults(cfg)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, int64(10), cfg.Tunables.MinWaitTimeMs)
	assert.Equal(t, int64(100), cfg.Tunables.MaxWaitTimeMs)
}

func TestLoadYAMLOverridesTunables(t *testing.T) {
	yaml := []byte(`
tunables:
  min_wait_time_ms: 5
  max_wait_time_ms: 50
  skip_combine_on_slice_size: "32Ki"
  skip_combine_on_last_merged_slices: 2
storage:
  backend: memory
`)
	cfg, err := LoadYAML(yaml)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cfg.Tunables.MinWaitTimeMs)
	assert.Equal(t, int64(50), cfg.Tunables.MaxWaitTimeMs)
	assert.Equal(t, uint32(32*1024), uint32(cfg.Tunables.SkipCombineOnSliceSize))
}

func TestValidateRejectsInvertedWaitTimes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tunables.MinWaitTimeMs = 100
	cfg.Tunables.MaxWaitTimeMs = 10
	require.Error(t, Validate(cfg))
}

func TestValidateRequiresBucketForS3Backend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "s3"
	require.Error(t, Validate(cfg))
	cfg.Storage.S3.Bucket = "my-bucket"
	require.NoError(t, Validate(cfg))
}

func TestWriteSampleRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, WriteSample(path, false))
	_, err := os.Stat(path)
	require.NoError(t, err)

	err = WriteSample(path, false)
	require.Error(t, err)

	require.NoError(t, WriteSample(path, true))
}

func TestToTunables(t *testing.T) {
	cfg := DefaultConfig()
	tn := cfg.Tunables.ToTunables()
	assert.Equal(t, cfg.Tunables.MinWaitTimeMs, tn.MinWaitTimeMs)
	assert.Equal(t, uint32(cfg.Tunables.SkipCombineOnSliceSize), tn.SkipCombineOnSliceSize)
}

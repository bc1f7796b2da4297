package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ExportConfig {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cfg := &ExportConfig{
		Name: "events-to-s3",
		Interval: IntervalConfig{
			Start: &start,
			End:   start.AddDate(0, 0, 1),
		},
		Source:      CollaboratorConfig{Type: "postgres"},
		Destination: CollaboratorConfig{Type: "s3"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := &ExportConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, int64(DefaultMaxBatchBytes), cfg.Pipeline.MaxBatchBytes)
	assert.Equal(t, int64(DefaultQueueBytes), cfg.Pipeline.QueueBytes)
	assert.Equal(t, DefaultEncodeWorkers, cfg.Pipeline.EncodeWorkers)
	assert.Equal(t, 1, cfg.Pool.MinConsumers)
	assert.Equal(t, 8, cfg.Pool.MaxConsumers)
	assert.Equal(t, "gzip", cfg.Compression.Codec)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("missing name", func(t *testing.T) {
		cfg := validConfig()
		cfg.Name = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing interval end", func(t *testing.T) {
		cfg := validConfig()
		cfg.Interval.End = time.Time{}
		assert.Error(t, cfg.Validate())
	})

	t.Run("inverted interval", func(t *testing.T) {
		cfg := validConfig()
		end := cfg.Interval.End
		cfg.Interval.Start = &end
		cfg.Interval.End = end.AddDate(0, 0, -1)
		assert.Error(t, cfg.Validate())
	})

	t.Run("nil start is an unbounded backfill", func(t *testing.T) {
		cfg := validConfig()
		cfg.Interval.Start = nil
		assert.NoError(t, cfg.Validate())
	})

	t.Run("min consumers above max", func(t *testing.T) {
		cfg := validConfig()
		cfg.Pool.MinConsumers = 9
		assert.Error(t, cfg.Validate())
	})

	t.Run("batch larger than queue", func(t *testing.T) {
		cfg := validConfig()
		cfg.Pipeline.MaxBatchBytes = cfg.Pipeline.QueueBytes + 1
		assert.Error(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.yaml")
	data := `
name: events-to-s3
interval:
  start: 2026-05-01T00:00:00Z
  end: 2026-05-02T00:00:00Z
pipeline:
  max_batch_bytes: 1048576
compression:
  codec: zstd
source:
  type: postgres
  settings:
    dsn: postgres://localhost/app
destination:
  type: s3
  settings:
    bucket: exports
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "events-to-s3", cfg.Name)
	assert.Equal(t, int64(1048576), cfg.Pipeline.MaxBatchBytes)
	assert.Equal(t, "zstd", cfg.Compression.Codec)
	assert.Equal(t, "exports", cfg.Destination.Settings["bucket"])
	// Unset knobs picked up defaults.
	assert.Equal(t, int64(DefaultQueueBytes), cfg.Pipeline.QueueBytes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

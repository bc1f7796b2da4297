// Package config provides the unified configuration surface for Quasar.
// A single ExportConfig structure describes one export run: the interval
// to move, the source and destination, and the pipeline tuning knobs.
//
// The configuration is organized into logical sections:
//   - Interval: the half-open time range to export
//   - Filters: inclusion/exclusion of columns and source-specific params
//   - Pipeline: batch, queue and file size bounds
//   - Pool: consumer pool scaling targets
//   - Compression: output codec
//   - Source / Destination: collaborator settings
//
// Example usage:
//
//	cfg, err := config.Load("export.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// ExportConfig is the configuration for a single export run.
type ExportConfig struct {
	// Name identifies the export
	Name string `yaml:"name" json:"name"`

	// Interval is the time range to export
	Interval IntervalConfig `yaml:"interval" json:"interval"`

	// Filters restrict which columns and rows are exported
	Filters FilterConfig `yaml:"filters" json:"filters"`

	// Pipeline controls batch, queue and file sizing
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Pool controls consumer pool scaling
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Compression selects the output codec
	Compression CompressionConfig `yaml:"compression" json:"compression"`

	// Source describes the external source
	Source CollaboratorConfig `yaml:"source" json:"source"`

	// Destination describes the sink
	Destination CollaboratorConfig `yaml:"destination" json:"destination"`

	// Logging configures the structured logger
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// IntervalConfig is the half-open export interval. A nil Start means
// "from the beginning of time" and is used for unbounded backfills.
type IntervalConfig struct {
	Start *time.Time `yaml:"start" json:"start"`
	End   time.Time  `yaml:"end" json:"end"`
}

// FilterConfig restricts exported data.
type FilterConfig struct {
	// IncludeColumns, when non-empty, limits the exported columns
	IncludeColumns []string `yaml:"include_columns" json:"include_columns"`
	// ExcludeColumns removes columns after inclusion is applied
	ExcludeColumns []string `yaml:"exclude_columns" json:"exclude_columns"`
	// Params carries arbitrary source-specific filter parameters
	Params map[string]string `yaml:"params" json:"params"`
}

// PipelineConfig bounds memory use of the streaming pipeline.
type PipelineConfig struct {
	// MaxBatchBytes caps the estimated size of a single record batch
	MaxBatchBytes int64 `yaml:"max_batch_bytes" json:"max_batch_bytes"`
	// MinRowsPerBatch is the floor respected when slicing oversized batches
	MinRowsPerBatch int `yaml:"min_rows_per_batch" json:"min_rows_per_batch"`
	// QueueBytes caps cumulative estimated bytes held in the batch queue
	QueueBytes int64 `yaml:"queue_bytes" json:"queue_bytes"`
	// MaxFileSize triggers a file boundary in the transformer output
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size"`
	// EncodeWorkers bounds concurrent CPU-heavy encoding tasks
	EncodeWorkers int `yaml:"encode_workers" json:"encode_workers"`
	// MaxConnections bounds concurrent destination connections
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
}

// PoolConfig controls adaptive consumer scaling.
type PoolConfig struct {
	// TargetDuration is the time budget the pool tries to finish within
	TargetDuration time.Duration `yaml:"target_duration" json:"target_duration"`
	// MinConsumers is the initial consumer count
	MinConsumers int `yaml:"min_consumers" json:"min_consumers"`
	// MaxConsumers caps concurrency
	MaxConsumers int `yaml:"max_consumers" json:"max_consumers"`
	// PollInterval is how often throughput is re-estimated
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// TrackingWindow is the sliding window used for throughput sampling
	TrackingWindow time.Duration `yaml:"tracking_window" json:"tracking_window"`
	// GracePeriod delays the first scaling decision
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
}

// CompressionConfig selects the output compression codec.
type CompressionConfig struct {
	// Codec is one of none, gzip, snappy, s2, lz4, zstd
	Codec string `yaml:"codec" json:"codec"`
	// Level is the codec-specific compression level (0 = codec default)
	Level int `yaml:"level" json:"level"`
}

// CollaboratorConfig describes an external source or destination.
type CollaboratorConfig struct {
	// Type names the implementation (e.g. "postgres", "s3", "snowflake")
	Type string `yaml:"type" json:"type"`
	// Settings carries implementation-specific keys (bucket, dsn, stage...)
	Settings map[string]string `yaml:"settings" json:"settings"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
	Encoding    string `yaml:"encoding" json:"encoding"`
}

// Default pipeline bounds. These follow the memory envelope the pipeline
// is designed for: a full queue plus in-flight encoding stays under a few
// hundred megabytes per worker.
const (
	DefaultMaxBatchBytes   = 32 * 1024 * 1024
	DefaultMinRowsPerBatch = 100
	DefaultQueueBytes      = 256 * 1024 * 1024
	DefaultMaxFileSize     = 512 * 1024 * 1024
	DefaultEncodeWorkers   = 4
	DefaultMaxConnections  = 8
)

// Load reads an ExportConfig from a YAML file and applies defaults.
func Load(path string) (*ExportConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to read config file")
	}

	var cfg ExportConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse config file")
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued tuning knobs with sensible defaults.
func (c *ExportConfig) ApplyDefaults() {
	if c.Pipeline.MaxBatchBytes <= 0 {
		c.Pipeline.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.Pipeline.MinRowsPerBatch <= 0 {
		c.Pipeline.MinRowsPerBatch = DefaultMinRowsPerBatch
	}
	if c.Pipeline.QueueBytes <= 0 {
		c.Pipeline.QueueBytes = DefaultQueueBytes
	}
	if c.Pipeline.MaxFileSize <= 0 {
		c.Pipeline.MaxFileSize = DefaultMaxFileSize
	}
	if c.Pipeline.EncodeWorkers <= 0 {
		c.Pipeline.EncodeWorkers = DefaultEncodeWorkers
	}
	if c.Pipeline.MaxConnections <= 0 {
		c.Pipeline.MaxConnections = DefaultMaxConnections
	}
	if c.Pool.TargetDuration <= 0 {
		c.Pool.TargetDuration = 30 * time.Minute
	}
	if c.Pool.MinConsumers <= 0 {
		c.Pool.MinConsumers = 1
	}
	if c.Pool.MaxConsumers <= 0 {
		c.Pool.MaxConsumers = 8
	}
	if c.Pool.PollInterval <= 0 {
		c.Pool.PollInterval = 10 * time.Second
	}
	if c.Pool.TrackingWindow <= 0 {
		c.Pool.TrackingWindow = time.Minute
	}
	if c.Pool.GracePeriod <= 0 {
		c.Pool.GracePeriod = 30 * time.Second
	}
	if c.Compression.Codec == "" {
		c.Compression.Codec = "gzip"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *ExportConfig) Validate() error {
	if c.Name == "" {
		return errors.New(errors.KindConfig, "export name is required")
	}
	if c.Interval.End.IsZero() {
		return errors.New(errors.KindConfig, "interval end is required")
	}
	if c.Interval.Start != nil && !c.Interval.Start.Before(c.Interval.End) {
		return errors.New(errors.KindConfig, "interval start must precede end")
	}
	if c.Source.Type == "" {
		return errors.New(errors.KindConfig, "source type is required")
	}
	if c.Destination.Type == "" {
		return errors.New(errors.KindConfig, "destination type is required")
	}
	if c.Pool.MinConsumers > c.Pool.MaxConsumers {
		return errors.Newf(errors.KindConfig,
			"min_consumers %d exceeds max_consumers %d", c.Pool.MinConsumers, c.Pool.MaxConsumers)
	}
	if c.Pipeline.MaxBatchBytes > c.Pipeline.QueueBytes {
		return errors.New(errors.KindConfig, "max_batch_bytes must not exceed queue_bytes")
	}
	return nil
}

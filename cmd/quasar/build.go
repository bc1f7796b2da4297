package main

import (
	"context"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ajitpratap0/quasar/internal/pipeline"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/sink"
	"github.com/ajitpratap0/quasar/pkg/source"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// buildSource constructs the configured source.
func buildSource(ctx context.Context, cfg *config.ExportConfig) (source.Source, error) {
	settings := cfg.Source.Settings
	switch cfg.Source.Type {
	case "postgres":
		return source.NewPostgresSource(ctx, source.PostgresConfig{
			DSN:            settings["dsn"],
			Schema:         settings["schema"],
			Table:          settings["table"],
			CursorColumn:   settings["cursor_column"],
			BatchRows:      settingInt(settings, "batch_rows"),
			MaxConns:       int32(settingInt(settings, "max_conns")),
			IncludeColumns: cfg.Filters.IncludeColumns,
			ExcludeColumns: cfg.Filters.ExcludeColumns,
			Params:         cfg.Filters.Params,
			PrimaryKey:     settingList(settings, "primary_key"),
			VersionKey:     settingList(settings, "version_key"),
		})
	case "staging":
		client, err := buildS3Client(ctx, settings)
		if err != nil {
			return nil, err
		}
		return source.NewStagingSource(client, source.StagingConfig{
			Bucket:     settings["bucket"],
			Prefix:     settings["prefix"],
			TableName:  settings["table"],
			PrimaryKey: settingList(settings, "primary_key"),
			VersionKey: settingList(settings, "version_key"),
		})
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown source type %q", cfg.Source.Type)
	}
}

// buildTransformers returns a per-consumer transformer factory for the
// destination's format. The terminal encoder is wrapped in whatever
// batch stages the destination configures: json column normalization
// and timestamp unit casts.
func buildTransformers(cfg *config.ExportConfig, limits *resource.Limits, codec compression.Codec) (pipeline.TransformerFactory, error) {
	settings := cfg.Destination.Settings
	format := destinationFormat(cfg)

	var terminal func() (transform.Transformer, error)
	switch format {
	case "jsonl":
		terminal = func() (transform.Transformer, error) {
			return transform.NewJSONLines(transform.JSONLinesConfig{
				MaxFileSize: cfg.Pipeline.MaxFileSize,
				Codec:       codec,
				Level:       cfg.Compression.Level,
				Limits:      limits,
				Workers:     cfg.Pipeline.EncodeWorkers,
			}), nil
		}
	case "parquet":
		terminal = func() (transform.Transformer, error) {
			return transform.NewParquet(transform.ParquetConfig{
				MaxFileSize: cfg.Pipeline.MaxFileSize,
				Codec:       codec,
			}), nil
		}
	case "csv":
		terminal = func() (transform.Transformer, error) {
			return transform.NewDelimited(transform.DelimitedConfig{
				Delimiter:   settings["delimiter"],
				Quote:       settings["quote"],
				Escape:      settings["escape"],
				NullToken:   settings["null_token"],
				Header:      settings["header"] != "false",
				MaxFileSize: cfg.Pipeline.MaxFileSize,
				Codec:       codec,
				Level:       cfg.Compression.Level,
			}), nil
		}
	case "statements":
		dialect := schema.Dialect(settings["dialect"])
		if dialect == "" {
			dialect = schema.DialectPostgres
		}
		terminal = func() (transform.Transformer, error) {
			return transform.NewStatements(transform.StatementConfig{
				Dialect:           dialect,
				Target:            settings["table"],
				MaxStatementBytes: cfg.Pipeline.MaxFileSize,
			})
		}
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown destination format %q", format)
	}

	return func(_ int, table *schema.Table) (transform.Transformer, error) {
		t, err := terminal()
		if err != nil {
			return nil, err
		}
		stages, err := buildStages(table, settings)
		if err != nil {
			return nil, err
		}
		if len(stages) == 0 {
			return t, nil
		}
		return transform.NewPipeline(t, stages...), nil
	}, nil
}

// buildStages assembles the destination's batch stages. The timestamp
// cast runs first so the normalize stage's JSON tags survive it.
func buildStages(table *schema.Table, settings map[string]string) ([]transform.Stage, error) {
	var stages []transform.Stage

	if unit := settings["timestamp_unit"]; unit != "" {
		target, err := retimedTable(table, unit)
		if err != nil {
			return nil, err
		}
		cast, err := transform.NewCastStage(table, target)
		if err != nil {
			return nil, err
		}
		stages = append(stages, cast)
	}
	if columns := settingList(settings, "json_columns"); len(columns) > 0 {
		stages = append(stages, transform.NewJSONNormalizeStage(columns))
	}
	return stages, nil
}

// retimedTable copies the table with every timestamp column re-typed to
// the named precision.
func retimedTable(table *schema.Table, unit string) (*schema.Table, error) {
	var u schema.TimeUnit
	switch unit {
	case "seconds":
		u = schema.UnitSeconds
	case "millis":
		u = schema.UnitMillis
	case "micros":
		u = schema.UnitMicros
	case "nanos":
		u = schema.UnitNanos
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown timestamp unit %q", unit)
	}

	fields := make([]schema.Field, len(table.Fields))
	copy(fields, table.Fields)
	for i, f := range fields {
		if f.Type.Kind == schema.KindTimestamp {
			fields[i].Type = schema.Timestamp(u)
		}
	}
	return &schema.Table{
		Name:       table.Name,
		Fields:     fields,
		PrimaryKey: table.PrimaryKey,
		VersionKey: table.VersionKey,
	}, nil
}

// buildSinkFactory constructs the configured destination.
func buildSinkFactory(ctx context.Context, cfg *config.ExportConfig, limits *resource.Limits, runID string, codec compression.Codec) (sink.Factory, error) {
	settings := cfg.Destination.Settings
	ext := fileExtension(destinationFormat(cfg), codec)

	switch cfg.Destination.Type {
	case "s3":
		client, err := buildS3Client(ctx, settings)
		if err != nil {
			return nil, err
		}
		return sink.NewS3Factory(client, sink.S3Config{
			Bucket:    settings["bucket"],
			Prefix:    settings["prefix"],
			RunID:     runID,
			Extension: ext,
			PartSize:  int64(settingInt(settings, "part_size")),
			Limits:    limits,
		}), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "failed to create gcs client")
		}
		return sink.NewGCSFactory(client, sink.GCSConfig{
			Bucket:    settings["bucket"],
			Prefix:    settings["prefix"],
			RunID:     runID,
			Extension: ext,
			Limits:    limits,
		}), nil
	case "snowflake":
		return sink.NewSnowflakeFactory(sink.SnowflakeConfig{
			DSN:        settings["dsn"],
			Stage:      settings["stage"],
			RunID:      runID,
			FileFormat: settings["file_format"],
			Extension:  ext,
			TempDir:    settings["temp_dir"],
			Limits:     limits,
		})
	case "postgres":
		if destinationFormat(cfg) != "statements" {
			return nil, errors.New(errors.KindConfig, "postgres destination requires the statements format")
		}
		return sink.NewPostgresFactory(ctx, sink.PostgresConfig{
			DSN:      settings["dsn"],
			MaxConns: int32(settingInt(settings, "max_conns")),
			Limits:   limits,
		})
	default:
		return nil, errors.Newf(errors.KindConfig, "unknown destination type %q", cfg.Destination.Type)
	}
}

func buildS3Client(ctx context.Context, settings map[string]string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := settings["region"]; region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to load aws configuration")
	}
	return s3.NewFromConfig(awsCfg), nil
}

func destinationFormat(cfg *config.ExportConfig) string {
	if f := cfg.Destination.Settings["format"]; f != "" {
		return f
	}
	if cfg.Destination.Type == "postgres" {
		return "statements"
	}
	return "jsonl"
}

// fileExtension combines format and codec suffixes. Parquet compresses
// internally, so the codec never shows in its object names; statement
// chunks never become files at all.
func fileExtension(format string, codec compression.Codec) string {
	switch format {
	case "parquet":
		return ".parquet"
	case "csv":
		return ".csv" + codec.Extension()
	case "statements":
		return ""
	default:
		return ".jsonl" + codec.Extension()
	}
}

func settingInt(settings map[string]string, key string) int {
	if v := settings[key]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func settingList(settings map[string]string, key string) []string {
	v := settings[key]
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

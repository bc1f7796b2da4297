package sink

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// SnowflakeConfig configures a snowflake warehouse sink.
type SnowflakeConfig struct {
	// DSN is a gosnowflake connection string.
	DSN string
	// Stage is the internal stage files are PUT to. Created if missing.
	Stage string
	// RunID namespaces staged files and load tables.
	RunID string
	// FileFormat is the COPY INTO file format clause body, e.g.
	// "TYPE = JSON" or "TYPE = CSV FIELD_OPTIONALLY_ENCLOSED_BY = '\"'".
	FileFormat string
	// Extension names staged files, e.g. ".jsonl.gz".
	Extension string
	// TempDir holds files between encode and PUT. Defaults to the OS
	// temp directory.
	TempDir string
	// Limits caps concurrent uploads and loads; required.
	Limits *resource.Limits
}

// SnowflakeSink stages finalized files with PUT and loads them with a
// single COPY at the end of the run. Mutable tables load into a
// transient table first and MERGE into the target, guarded by the
// version key so a replayed run can never regress rows.
type SnowflakeSink struct {
	cfg      SnowflakeConfig
	db       *sql.DB
	consumer int

	table     *schema.Table
	loadTable string
	namer     ObjectNamer

	buf    bytes.Buffer
	staged int
}

// NewSnowflakeFactory opens one connection pool shared by all sinks.
func NewSnowflakeFactory(cfg SnowflakeConfig) (Factory, error) {
	if cfg.Stage == "" {
		return nil, errors.New(errors.KindConfig, "snowflake sink requires a stage")
	}
	db, err := sql.Open("snowflake", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid snowflake DSN")
	}
	return FactoryFunc(func(ctx context.Context, consumer int) (Sink, error) {
		return &SnowflakeSink{
			cfg:      cfg,
			db:       db,
			consumer: consumer,
			namer: ObjectNamer{
				RunID:     cfg.RunID,
				Consumer:  consumer,
				Extension: cfg.Extension,
			},
		}, nil
	}), nil
}

// Prepare creates the stage and the destination table, plus the
// transient load table for mutable targets.
func (s *SnowflakeSink) Prepare(ctx context.Context, table *schema.Table) error {
	s.table = table
	s.namer.Table = table.Name

	stageSQL := fmt.Sprintf("CREATE STAGE IF NOT EXISTS %s", quoteIdent(s.cfg.Stage))
	if err := s.exec(ctx, stageSQL); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to create stage")
	}

	ddl, err := createTableSQL(table, schema.DialectSnowflake, table.Name, false)
	if err != nil {
		return err
	}
	if err := s.exec(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to create destination table")
	}

	if table.IsMutable() {
		s.loadTable = fmt.Sprintf("%s_load_%s_%d", table.Name, s.cfg.RunID, s.consumer)
		loadDDL, err := createTableSQL(table, schema.DialectSnowflake, s.loadTable, true)
		if err != nil {
			return err
		}
		if err := s.exec(ctx, loadDDL); err != nil {
			return errors.Wrap(err, errors.KindConnection, "failed to create load table")
		}
	}
	return nil
}

// ConsumeChunk buffers the payload.
func (s *SnowflakeSink) ConsumeChunk(ctx context.Context, chunk transform.Chunk) error {
	_, err := s.buf.Write(chunk.Payload)
	return err
}

// FinalizeFile writes the buffer to a local file and PUTs it to the
// stage.
func (s *SnowflakeSink) FinalizeFile(ctx context.Context) error {
	if err := s.cfg.Limits.AcquireConnection(ctx); err != nil {
		return err
	}
	defer s.cfg.Limits.ReleaseConnection()

	dir := s.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	key := s.namer.Next()
	local := filepath.Join(dir, strings.ReplaceAll(key, "/", "_"))
	if err := os.WriteFile(local, s.buf.Bytes(), 0o600); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to spool file for stage upload")
	}
	defer os.Remove(local)

	putSQL := fmt.Sprintf("PUT file://%s @%s/%s AUTO_COMPRESS = FALSE OVERWRITE = TRUE",
		local, quoteIdent(s.cfg.Stage), s.stagePrefix())
	if err := s.exec(ctx, putSQL); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to upload file to stage")
	}

	logger.Debug("staged file",
		zap.String("stage", s.cfg.Stage),
		zap.String("file", key),
		zap.Int("bytes", s.buf.Len()))
	s.buf.Reset()
	s.staged++
	return nil
}

// Finalize loads the staged files and, for mutable tables, merges them
// into the target.
func (s *SnowflakeSink) Finalize(ctx context.Context) error {
	if s.staged == 0 {
		return nil
	}
	if err := s.cfg.Limits.AcquireConnection(ctx); err != nil {
		return err
	}
	defer s.cfg.Limits.ReleaseConnection()

	target := s.table.Name
	if s.table.IsMutable() {
		target = s.loadTable
	}

	copySQL := fmt.Sprintf(
		"COPY INTO %s FROM @%s/%s FILE_FORMAT = (%s) MATCH_BY_COLUMN_NAME = CASE_INSENSITIVE",
		quoteIdent(target), quoteIdent(s.cfg.Stage), s.stagePrefix(), s.cfg.FileFormat)
	if err := s.exec(ctx, copySQL); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to load staged files")
	}

	if s.table.IsMutable() {
		if err := s.exec(ctx, s.mergeSQL()); err != nil {
			return errors.Wrap(err, errors.KindConnection, "failed to merge load table")
		}
		if err := s.exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(s.loadTable)); err != nil {
			return errors.Wrap(err, errors.KindConnection, "failed to drop load table")
		}
	}

	removeSQL := fmt.Sprintf("REMOVE @%s/%s", quoteIdent(s.cfg.Stage), s.stagePrefix())
	if err := s.exec(ctx, removeSQL); err != nil {
		// Leftover staged files are harmless; the next run uses a new
		// prefix.
		logger.Warn("failed to clean stage prefix", zap.Error(err))
	}

	logger.Info("snowflake load complete",
		zap.String("table", s.table.Name),
		zap.Int("files", s.staged))
	return nil
}

// Close releases the sink's buffers. The shared pool stays open for the
// other consumers.
func (s *SnowflakeSink) Close() error {
	s.buf.Reset()
	return nil
}

// GetColumns reads the live destination schema, for compatibility checks
// before a run.
func (s *SnowflakeSink) GetColumns(ctx context.Context, table string) ([]schema.Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = ?
		ORDER BY ordinal_position`, strings.ToUpper(table))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to query destination columns")
	}
	defer rows.Close()

	var fields []schema.Field
	for rows.Next() {
		var name, sqlType, nullable string
		if err := rows.Scan(&name, &sqlType, &nullable); err != nil {
			return nil, errors.Wrap(err, errors.KindData, "failed to scan column row")
		}
		f, err := schema.FieldFromSQL(schema.DialectSnowflake, name, sqlType, nullable == "YES")
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// DeleteTable drops the destination table.
func (s *SnowflakeSink) DeleteTable(ctx context.Context, table string) error {
	return s.exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table))
}

func (s *SnowflakeSink) exec(ctx context.Context, query string) error {
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SnowflakeSink) stagePrefix() string {
	return fmt.Sprintf("%s/%s/%d", s.namer.Table, s.cfg.RunID, s.consumer)
}

// mergeSQL merges the load table into the target keyed on the primary
// key, updating only when the incoming version tuple is newer.
func (s *SnowflakeSink) mergeSQL() string {
	t := s.table
	var on []string
	for _, k := range t.PrimaryKey {
		on = append(on, fmt.Sprintf("tgt.%s = src.%s", quoteIdent(k), quoteIdent(k)))
	}

	keySet := make(map[string]bool, len(t.PrimaryKey))
	for _, k := range t.PrimaryKey {
		keySet[k] = true
	}
	var sets []string
	for _, f := range t.Fields {
		if keySet[f.Name] {
			continue
		}
		sets = append(sets, fmt.Sprintf("tgt.%s = src.%s", quoteIdent(f.Name), quoteIdent(f.Name)))
	}

	var newVer, oldVer []string
	for _, v := range t.VersionKey {
		newVer = append(newVer, "src."+quoteIdent(v))
		oldVer = append(oldVer, "tgt."+quoteIdent(v))
	}

	cols := make([]string, len(t.Fields))
	vals := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		cols[i] = quoteIdent(f.Name)
		vals[i] = "src." + quoteIdent(f.Name)
	}

	return fmt.Sprintf(
		"MERGE INTO %s AS tgt USING %s AS src ON %s"+
			" WHEN MATCHED AND (%s) > (%s) THEN UPDATE SET %s"+
			" WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		quoteIdent(t.Name), quoteIdent(s.loadTable), strings.Join(on, " AND "),
		strings.Join(newVer, ", "), strings.Join(oldVer, ", "),
		strings.Join(sets, ", "),
		strings.Join(cols, ", "), strings.Join(vals, ", "))
}

// createTableSQL renders CREATE TABLE IF NOT EXISTS in the dialect.
// Transient tables skip fail-safe storage, which suits run-scoped load
// tables.
func createTableSQL(table *schema.Table, dialect schema.Dialect, name string, transient bool) (string, error) {
	cols := make([]string, 0, len(table.Fields))
	for _, f := range table.Fields {
		sqlType, err := f.SQLType(dialect)
		if err != nil {
			return "", err
		}
		col := quoteIdent(f.Name) + " " + sqlType
		if !f.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	if len(table.PrimaryKey) > 0 {
		pk := make([]string, len(table.PrimaryKey))
		for i, k := range table.PrimaryKey {
			pk[i] = quoteIdent(k)
		}
		cols = append(cols, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}

	kind := "TABLE"
	if transient && dialect == schema.DialectSnowflake {
		kind = "TRANSIENT TABLE"
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s (%s)",
		kind, quoteIdent(name), strings.Join(cols, ", ")), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

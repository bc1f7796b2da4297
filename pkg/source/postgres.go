package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// PostgresConfig configures a query-engine source backed by postgres.
type PostgresConfig struct {
	// DSN is the connection string.
	DSN string
	// Schema defaults to public.
	Schema string
	// Table is the source table name.
	Table string
	// CursorColumn is the timestamp column that interval bounds apply to.
	CursorColumn string
	// BatchRows is the number of rows gathered into one record batch.
	BatchRows int
	// MaxConns caps the pool size.
	MaxConns int32

	// IncludeColumns and ExcludeColumns filter the projected schema.
	IncludeColumns []string
	ExcludeColumns []string
	// Params adds equality predicates, keyed by column name.
	Params map[string]string

	// PrimaryKey and VersionKey declare the table's write semantics at
	// the destination. Both set makes the destination table mutable.
	PrimaryKey []string
	VersionKey []string
}

// PostgresSource streams record batches out of a postgres table bounded
// by a cursor-column interval.
type PostgresSource struct {
	cfg  PostgresConfig
	pool *pgxpool.Pool

	table *schema.Table
}

// NewPostgresSource connects the pool and validates the configuration.
func NewPostgresSource(ctx context.Context, cfg PostgresConfig) (*PostgresSource, error) {
	if cfg.Table == "" {
		return nil, errors.New(errors.KindConfig, "postgres source requires a table")
	}
	if cfg.CursorColumn == "" {
		return nil, errors.New(errors.KindConfig, "postgres source requires a cursor column")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.BatchRows <= 0 {
		cfg.BatchRows = 1000
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid postgres connection string")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.KindConnection, "failed to reach postgres")
	}

	logger.Info("postgres source connected",
		zap.String("table", cfg.Schema+"."+cfg.Table),
		zap.String("cursor", cfg.CursorColumn))

	return &PostgresSource{cfg: cfg, pool: pool}, nil
}

// Table discovers the projected schema from information_schema.
func (s *PostgresSource) Table(ctx context.Context) (*schema.Table, error) {
	if s.table != nil {
		return s.table, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`,
		s.cfg.Schema, s.cfg.Table)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to query table schema")
	}
	defer rows.Close()

	full := &schema.Table{
		Name:       s.cfg.Table,
		PrimaryKey: s.cfg.PrimaryKey,
		VersionKey: s.cfg.VersionKey,
	}
	for rows.Next() {
		var name, sqlType, nullable string
		if err := rows.Scan(&name, &sqlType, &nullable); err != nil {
			return nil, errors.Wrap(err, errors.KindData, "failed to scan schema row")
		}
		f, err := schema.FieldFromSQL(schema.DialectPostgres, name, sqlType, nullable == "YES")
		if err != nil {
			return nil, err
		}
		full.Fields = append(full.Fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "schema query failed")
	}
	if len(full.Fields) == 0 {
		return nil, errors.Newf(errors.KindSchema, "table %s.%s not found", s.cfg.Schema, s.cfg.Table)
	}

	projected, err := full.Project(s.cfg.IncludeColumns, s.cfg.ExcludeColumns)
	if err != nil {
		return nil, err
	}
	if projected.FieldIndex(s.cfg.CursorColumn) < 0 {
		return nil, errors.Newf(errors.KindConfig,
			"cursor column %s excluded by filters", s.cfg.CursorColumn)
	}

	s.table = projected
	return s.table, nil
}

// EstimateBytes multiplies the interval's row count by the table's
// average row width from the planner statistics.
func (s *PostgresSource) EstimateBytes(ctx context.Context, interval checkpoint.DateRange) (int64, error) {
	var tuples float64
	var size int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(c.reltuples, 0), pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`,
		s.cfg.Schema, s.cfg.Table).Scan(&tuples, &size)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindConnection, "failed to read relation statistics")
	}
	if tuples <= 0 {
		return size, nil
	}
	avgRow := float64(size) / tuples

	where, args := s.wherePredicates(interval)
	count := int64(0)
	query := fmt.Sprintf("SELECT count(*) FROM %s%s", s.qualifiedTable(), where)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.KindConnection, "failed to count interval rows")
	}
	return int64(float64(count) * avgRow), nil
}

// Open starts a streaming read ordered by the cursor column.
func (s *PostgresSource) Open(ctx context.Context, interval checkpoint.DateRange) (Iterator, error) {
	table, err := s.Table(ctx)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(table.Fields))
	for i, f := range table.Fields {
		cols[i] = quoteSQLIdent(f.Name)
	}
	where, args := s.wherePredicates(interval)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		strings.Join(cols, ", "), s.qualifiedTable(), where, quoteSQLIdent(s.cfg.CursorColumn))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to open source query")
	}
	return &postgresIterator{table: table, rows: rows, batchRows: s.cfg.BatchRows}, nil
}

// Close releases the pool.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSource) qualifiedTable() string {
	return quoteSQLIdent(s.cfg.Schema) + "." + quoteSQLIdent(s.cfg.Table)
}

// wherePredicates builds the interval and parameter predicates with
// positional placeholders.
func (s *PostgresSource) wherePredicates(interval checkpoint.DateRange) (string, []interface{}) {
	var preds []string
	var args []interface{}

	cursor := quoteSQLIdent(s.cfg.CursorColumn)
	if interval.Start != nil {
		args = append(args, *interval.Start)
		preds = append(preds, fmt.Sprintf("%s >= $%d", cursor, len(args)))
	}
	if !interval.End.IsZero() {
		args = append(args, interval.End)
		preds = append(preds, fmt.Sprintf("%s < $%d", cursor, len(args)))
	}

	params := make([]string, 0, len(s.cfg.Params))
	for k := range s.cfg.Params {
		params = append(params, k)
	}
	sort.Strings(params)
	for _, k := range params {
		args = append(args, s.cfg.Params[k])
		preds = append(preds, fmt.Sprintf("%s = $%d", quoteSQLIdent(k), len(args)))
	}

	if len(preds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

// postgresIterator accumulates driver rows into record batches.
type postgresIterator struct {
	table     *schema.Table
	rows      pgx.Rows
	batchRows int
	done      bool
}

// Next gathers up to batchRows rows into one batch, returning io.EOF once
// the query is drained.
func (it *postgresIterator) Next(ctx context.Context) (*batch.RecordBatch, error) {
	if it.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gathered := make([][]interface{}, 0, it.batchRows)
	for len(gathered) < it.batchRows && it.rows.Next() {
		values, err := it.rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindData, "failed to read source row")
		}
		row := make([]interface{}, len(values))
		for c, v := range values {
			row[c] = coerceSQLValue(v, it.table.Fields[c].Type)
		}
		gathered = append(gathered, row)
	}

	if len(gathered) < it.batchRows {
		it.done = true
		if err := it.rows.Err(); err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "source query failed")
		}
	}
	if len(gathered) == 0 {
		return nil, io.EOF
	}
	return batch.FromRows(it.table, gathered)
}

// Close releases the underlying query.
func (it *postgresIterator) Close() error {
	it.rows.Close()
	return nil
}

// coerceSQLValue narrows or widens driver values to the declared column
// type so downstream stages see consistent Go types.
func coerceSQLValue(v interface{}, t schema.Type) interface{} {
	if v == nil {
		return nil
	}
	switch t.Kind {
	case schema.KindInteger:
		n, ok := asInt64(v)
		if !ok {
			return v
		}
		switch {
		case t.Bits <= 16:
			return int16(n)
		case t.Bits <= 32:
			return int32(n)
		default:
			return n
		}
	case schema.KindUnsigned:
		if n, ok := asInt64(v); ok {
			return uint64(n)
		}
		return v
	case schema.KindFloat:
		switch f := v.(type) {
		case float32:
			if t.Bits > 32 {
				return float64(f)
			}
			return f
		case float64:
			if t.Bits <= 32 {
				return float32(f)
			}
			return f
		}
		return v
	case schema.KindTimestamp:
		if ts, ok := v.(time.Time); ok {
			return schema.TruncateTime(ts, t.Unit)
		}
		return v
	case schema.KindString:
		if raw, ok := v.([]byte); ok {
			return string(raw)
		}
		return v
	default:
		return v
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func quoteSQLIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

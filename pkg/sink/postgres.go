package sink

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// PostgresConfig configures a postgres statement sink.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	// Limits caps concurrent statement executions; required.
	Limits *resource.Limits
}

// PostgresSink executes statement chunks produced by the SQL
// transformer. Each chunk is one complete statement, so there is nothing
// to finalize per file; durability is per executed statement.
type PostgresSink struct {
	cfg  PostgresConfig
	pool *pgxpool.Pool
}

// NewPostgresFactory opens one pool shared by all consumers' sinks.
func NewPostgresFactory(ctx context.Context, cfg PostgresConfig) (Factory, error) {
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
	return FactoryFunc(func(ctx context.Context, consumer int) (Sink, error) {
		return &PostgresSink{cfg: cfg, pool: pool}, nil
	}), nil
}

// Prepare creates the destination table if it does not exist.
func (p *PostgresSink) Prepare(ctx context.Context, table *schema.Table) error {
	ddl, err := createTableSQL(table, schema.DialectPostgres, table.Name, false)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to create destination table")
	}
	return nil
}

// ConsumeChunk executes the chunk as one statement.
func (p *PostgresSink) ConsumeChunk(ctx context.Context, chunk transform.Chunk) error {
	if len(chunk.Payload) == 0 {
		return nil
	}
	if err := p.cfg.Limits.AcquireConnection(ctx); err != nil {
		return err
	}
	defer p.cfg.Limits.ReleaseConnection()

	if _, err := p.pool.Exec(ctx, string(chunk.Payload)); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to execute statement")
	}
	return nil
}

// FinalizeFile is a no-op; statements commit as they execute.
func (p *PostgresSink) FinalizeFile(ctx context.Context) error { return nil }

// Finalize is a no-op.
func (p *PostgresSink) Finalize(ctx context.Context) error { return nil }

// Close releases nothing; the pool is shared across consumers and closed
// by the entrypoint.
func (p *PostgresSink) Close() error { return nil }

// GetColumns reads the live destination schema.
func (p *PostgresSink) GetColumns(ctx context.Context, table string) ([]schema.Field, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
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
		f, err := schema.FieldFromSQL(schema.DialectPostgres, name, sqlType, nullable == "YES")
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// DeleteTable drops the destination table.
func (p *PostgresSink) DeleteTable(ctx context.Context, table string) error {
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to drop table")
	}
	return nil
}

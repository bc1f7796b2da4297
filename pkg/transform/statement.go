package transform

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// StatementConfig configures the SQL statement transformer.
type StatementConfig struct {
	// Dialect selects literal rendering and merge syntax.
	Dialect schema.Dialect
	// Target overrides the destination table name. Defaults to the
	// batch table name.
	Target string
	// MaxStatementBytes caps the rendered size of one statement. A row
	// that alone exceeds the cap still produces a single-row statement.
	MaxStatementBytes int64
}

// Statements renders record batches as executable SQL. Append-only
// tables produce multi-row INSERTs; mutable tables produce merge
// statements keyed on the primary key and guarded by the version key, so
// replaying a statement can never regress a row. Each emitted chunk is
// one complete statement and carries no file boundary: statement sinks
// execute chunks, they do not write files.
type Statements struct {
	cfg StatementConfig
}

// NewStatements creates the transformer.
func NewStatements(cfg StatementConfig) (*Statements, error) {
	switch cfg.Dialect {
	case schema.DialectPostgres, schema.DialectSnowflake:
	default:
		return nil, errors.Newf(errors.KindConfig, "unsupported statement dialect: %s", cfg.Dialect)
	}
	return &Statements{cfg: cfg}, nil
}

// Transform implements Transformer.
func (t *Statements) Transform(ctx context.Context, in <-chan *batch.RecordBatch) *Stream {
	chunks := make(chan Chunk, 4)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		if err := t.run(ctx, in, chunks); err != nil {
			errs <- err
		}
	}()

	return &Stream{Chunks: chunks, Errors: errs}
}

func (t *Statements) run(ctx context.Context, in <-chan *batch.RecordBatch, chunks chan<- Chunk) error {
	var gen *statementGen
	for b := range in {
		if b.NumRows() == 0 {
			continue
		}
		if gen == nil {
			g, err := newStatementGen(t.cfg, b.Table())
			if err != nil {
				return err
			}
			gen = g
		}

		for r := 0; r < b.NumRows(); r++ {
			row, err := gen.renderRow(b, r)
			if err != nil {
				return err
			}
			if gen.wouldOverflow(len(row)) {
				if err := sendChunk(ctx, chunks, Chunk{Payload: gen.flush()}); err != nil {
					return err
				}
			}
			gen.addRow(row)
		}
	}

	if gen != nil && gen.rows > 0 {
		return sendChunk(ctx, chunks, Chunk{Payload: gen.flush()})
	}
	return nil
}

// statementGen accumulates rendered rows for one statement at a time.
type statementGen struct {
	cfg    StatementConfig
	table  *schema.Table
	target string

	// Rendered once; row values are spliced between them.
	head string
	tail string

	values bytes.Buffer
	rows   int
}

func newStatementGen(cfg StatementConfig, table *schema.Table) (*statementGen, error) {
	target := cfg.Target
	if target == "" {
		target = table.Name
	}
	g := &statementGen{cfg: cfg, table: table, target: target}

	if table.IsMutable() {
		if err := g.buildMergeFrame(); err != nil {
			return nil, err
		}
	} else {
		g.buildInsertFrame()
	}
	return g, nil
}

func (g *statementGen) buildInsertFrame() {
	cols := make([]string, len(g.table.Fields))
	for i, f := range g.table.Fields {
		cols[i] = quoteIdent(f.Name)
	}
	g.head = fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		quoteIdent(g.target), strings.Join(cols, ", "))
	g.tail = ""
}

func (g *statementGen) buildMergeFrame() error {
	switch g.cfg.Dialect {
	case schema.DialectPostgres:
		g.buildPostgresUpsertFrame()
		return nil
	case schema.DialectSnowflake:
		g.buildSnowflakeMergeFrame()
		return nil
	default:
		return errors.Newf(errors.KindConfig, "no merge syntax for dialect %s", g.cfg.Dialect)
	}
}

// buildPostgresUpsertFrame renders INSERT .. ON CONFLICT DO UPDATE with a
// version-tuple guard, which gives merge semantics without a staging
// table.
func (g *statementGen) buildPostgresUpsertFrame() {
	cols := make([]string, len(g.table.Fields))
	for i, f := range g.table.Fields {
		cols[i] = quoteIdent(f.Name)
	}

	keySet := toSet(g.table.PrimaryKey)
	var sets []string
	for _, f := range g.table.Fields {
		if keySet[f.Name] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(f.Name), quoteIdent(f.Name)))
	}

	var newVer, oldVer []string
	for _, v := range g.table.VersionKey {
		newVer = append(newVer, "EXCLUDED."+quoteIdent(v))
		oldVer = append(oldVer, quoteIdent(g.target)+"."+quoteIdent(v))
	}

	g.head = fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		quoteIdent(g.target), strings.Join(cols, ", "))
	g.tail = fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s WHERE (%s) > (%s)",
		joinIdents(g.table.PrimaryKey), strings.Join(sets, ", "),
		strings.Join(newVer, ", "), strings.Join(oldVer, ", "))
}

// buildSnowflakeMergeFrame renders MERGE over an inline VALUES source.
// JSON columns are parsed in the source projection because VALUES rows
// cannot carry VARIANT literals.
func (g *statementGen) buildSnowflakeMergeFrame() {
	selects := make([]string, len(g.table.Fields))
	for i, f := range g.table.Fields {
		expr := fmt.Sprintf("column%d", i+1)
		if f.Type.Kind == schema.KindJSON || f.Type.Kind == schema.KindList {
			expr = fmt.Sprintf("PARSE_JSON(column%d)", i+1)
		}
		selects[i] = fmt.Sprintf("%s AS %s", expr, quoteIdent(f.Name))
	}

	var on []string
	for _, k := range g.table.PrimaryKey {
		on = append(on, fmt.Sprintf("tgt.%s = src.%s", quoteIdent(k), quoteIdent(k)))
	}

	keySet := toSet(g.table.PrimaryKey)
	var sets []string
	for _, f := range g.table.Fields {
		if keySet[f.Name] {
			continue
		}
		sets = append(sets, fmt.Sprintf("tgt.%s = src.%s", quoteIdent(f.Name), quoteIdent(f.Name)))
	}

	var newVer, oldVer []string
	for _, v := range g.table.VersionKey {
		newVer = append(newVer, "src."+quoteIdent(v))
		oldVer = append(oldVer, "tgt."+quoteIdent(v))
	}

	insertCols := make([]string, len(g.table.Fields))
	insertVals := make([]string, len(g.table.Fields))
	for i, f := range g.table.Fields {
		insertCols[i] = quoteIdent(f.Name)
		insertVals[i] = "src." + quoteIdent(f.Name)
	}

	g.head = fmt.Sprintf("MERGE INTO %s AS tgt USING (SELECT %s FROM VALUES ",
		quoteIdent(g.target), strings.Join(selects, ", "))
	g.tail = fmt.Sprintf(") AS src ON %s"+
		" WHEN MATCHED AND (%s) > (%s) THEN UPDATE SET %s"+
		" WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(on, " AND "),
		strings.Join(newVer, ", "), strings.Join(oldVer, ", "),
		strings.Join(sets, ", "),
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))
}

// renderRow renders one parenthesized value tuple.
func (g *statementGen) renderRow(b *batch.RecordBatch, r int) (string, error) {
	var sb strings.Builder
	sb.WriteByte('(')
	for c, f := range g.table.Fields {
		if c > 0 {
			sb.WriteString(", ")
		}
		lit, err := g.renderLiteral(b.Value(c, r), f)
		if err != nil {
			return "", errors.Wrap(err, errors.KindData, "failed to render column "+f.Name)
		}
		sb.WriteString(lit)
	}
	sb.WriteByte(')')
	return sb.String(), nil
}

func (g *statementGen) renderLiteral(v interface{}, f schema.Field) (string, error) {
	if v == nil {
		return "NULL", nil
	}
	switch val := v.(type) {
	case string:
		lit := quoteLiteral(val)
		if g.cfg.Dialect == schema.DialectPostgres &&
			(f.Type.Kind == schema.KindJSON || f.Type.Kind == schema.KindList) {
			return lit + "::jsonb", nil
		}
		return lit, nil
	case bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.FormatInt(int64(val), 10), nil
	case int16:
		return strconv.FormatInt(int64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case *big.Int:
		return val.String(), nil
	case time.Time:
		return quoteLiteral(val.UTC().Format(time.RFC3339Nano)), nil
	default:
		raw, err := gojson.Marshal(val)
		if err != nil {
			return "", err
		}
		lit := quoteLiteral(string(raw))
		if g.cfg.Dialect == schema.DialectPostgres {
			return lit + "::jsonb", nil
		}
		return lit, nil
	}
}

// wouldOverflow reports whether adding a row of the given rendered size
// would push the statement past the cap. A statement always accepts at
// least one row.
func (g *statementGen) wouldOverflow(rowLen int) bool {
	if g.rows == 0 || g.cfg.MaxStatementBytes <= 0 {
		return false
	}
	projected := int64(len(g.head) + g.values.Len() + 2 + rowLen + len(g.tail))
	return projected > g.cfg.MaxStatementBytes
}

func (g *statementGen) addRow(row string) {
	if g.rows > 0 {
		g.values.WriteString(", ")
	}
	g.values.WriteString(row)
	g.rows++
}

// flush renders the accumulated statement and resets for the next one.
func (g *statementGen) flush() []byte {
	out := make([]byte, 0, len(g.head)+g.values.Len()+len(g.tail))
	out = append(out, g.head...)
	out = append(out, g.values.Bytes()...)
	out = append(out, g.tail...)
	g.values.Reset()
	g.rows = 0
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Package batch provides the columnar RecordBatch that flows through the
// pipeline and the byte-bounded queue that connects producer and
// consumers. A batch is an ordered, immutable table of typed columns of
// equal length; it is the unit of transfer between pipeline stages.
package batch

import (
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// RecordBatch is an immutable columnar slice of rows sharing one schema.
// Columns are stored as value slices indexed parallel to Table.Fields.
type RecordBatch struct {
	table   *schema.Table
	columns [][]interface{}
	rows    int

	// sizeEstimate caches EstimatedBytes; batches are immutable so the
	// estimate never changes after construction.
	sizeEstimate int64
}

// New builds a batch from a table and its column values. All columns must
// have equal length and match the field count.
func New(table *schema.Table, columns [][]interface{}) (*RecordBatch, error) {
	if len(columns) != len(table.Fields) {
		return nil, errors.Newf(errors.KindValidation,
			"column count %d does not match field count %d", len(columns), len(table.Fields))
	}

	rows := 0
	if len(columns) > 0 {
		rows = len(columns[0])
	}
	for i, col := range columns {
		if len(col) != rows {
			return nil, errors.Newf(errors.KindValidation,
				"column %s has %d values, expected %d", table.Fields[i].Name, len(col), rows)
		}
	}

	b := &RecordBatch{table: table, columns: columns, rows: rows}
	b.sizeEstimate = b.estimateBytes()
	return b, nil
}

// FromRows builds a batch from row-oriented values, the shape returned by
// SQL drivers.
func FromRows(table *schema.Table, rows [][]interface{}) (*RecordBatch, error) {
	columns := make([][]interface{}, len(table.Fields))
	for i := range columns {
		columns[i] = make([]interface{}, len(rows))
	}
	for r, row := range rows {
		if len(row) != len(table.Fields) {
			return nil, errors.Newf(errors.KindValidation,
				"row %d has %d values, expected %d", r, len(row), len(table.Fields))
		}
		for c, v := range row {
			columns[c][r] = v
		}
	}
	return New(table, columns)
}

// Table returns the batch schema.
func (b *RecordBatch) Table() *schema.Table { return b.table }

// NumRows returns the row count.
func (b *RecordBatch) NumRows() int { return b.rows }

// NumCols returns the column count.
func (b *RecordBatch) NumCols() int { return len(b.columns) }

// Column returns the values of column i. Callers must not mutate the
// returned slice.
func (b *RecordBatch) Column(i int) []interface{} { return b.columns[i] }

// Value returns the value at (column, row).
func (b *RecordBatch) Value(col, row int) interface{} { return b.columns[col][row] }

// Row copies row r into a new slice ordered by field position.
func (b *RecordBatch) Row(r int) []interface{} {
	row := make([]interface{}, len(b.columns))
	for c := range b.columns {
		row[c] = b.columns[c][r]
	}
	return row
}

// EstimatedBytes returns the cached size estimate used for queue
// accounting and pool throughput sampling.
func (b *RecordBatch) EstimatedBytes() int64 { return b.sizeEstimate }

// SliceRows returns a batch viewing rows [start, end). The underlying
// column storage is shared; batches are immutable so sharing is safe.
func (b *RecordBatch) SliceRows(start, end int) (*RecordBatch, error) {
	if start < 0 || end > b.rows || start > end {
		return nil, errors.Newf(errors.KindValidation,
			"slice [%d,%d) out of range for %d rows", start, end, b.rows)
	}
	columns := make([][]interface{}, len(b.columns))
	for i, col := range b.columns {
		columns[i] = col[start:end]
	}
	return New(b.table, columns)
}

// Split cuts the batch into pieces no larger than maxBytes, never smaller
// than minRows except for the final remainder. A batch already under the
// cap is returned unchanged.
func (b *RecordBatch) Split(maxBytes int64, minRows int) ([]*RecordBatch, error) {
	if b.sizeEstimate <= maxBytes || b.rows == 0 {
		return []*RecordBatch{b}, nil
	}
	if minRows <= 0 {
		minRows = 1
	}

	perRow := b.sizeEstimate / int64(b.rows)
	if perRow == 0 {
		perRow = 1
	}
	rowsPerSlice := int(maxBytes / perRow)
	if rowsPerSlice < minRows {
		rowsPerSlice = minRows
	}

	var out []*RecordBatch
	for start := 0; start < b.rows; start += rowsPerSlice {
		end := start + rowsPerSlice
		if end > b.rows {
			end = b.rows
		}
		slice, err := b.SliceRows(start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, slice)
	}
	return out, nil
}

// WithColumns returns a new batch with the same schema but replacement
// column storage. Used by casting stages, which must not mutate inputs.
func (b *RecordBatch) WithColumns(table *schema.Table, columns [][]interface{}) (*RecordBatch, error) {
	return New(table, columns)
}

// estimateBytes estimates the in-memory size of the batch. Fixed-width
// kinds use their width; variable kinds use actual value lengths with a
// serialization fallback for nested structures.
func (b *RecordBatch) estimateBytes() int64 {
	var total int64
	for i, f := range b.table.Fields {
		switch f.Type.Kind {
		case schema.KindInteger, schema.KindUnsigned, schema.KindFloat:
			total += int64(b.rows) * int64(f.Type.Bits/8)
		case schema.KindBoolean:
			total += int64(b.rows)
		case schema.KindTimestamp:
			total += int64(b.rows) * 8
		default:
			for _, v := range b.columns[i] {
				total += estimateValue(v)
			}
		}
	}
	return total
}

func estimateValue(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 1
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case time.Time:
		return 8
	case bool:
		return 1
	case int, int16, int32, int64, uint, uint32, uint64, float32, float64:
		return 8
	default:
		// Nested lists and documents: size of the serialized form.
		if data, err := gojson.Marshal(t); err == nil {
			return int64(len(data))
		}
		return 16
	}
}

package transform

import (
	"bytes"
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	parquetcompress "github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// ParquetConfig configures the columnar transformer.
type ParquetConfig struct {
	// MaxFileSize closes the current file once its buffered size reaches
	// this many bytes. Zero means a single file for the whole stream.
	MaxFileSize int64
	// Codec selects the parquet-internal page compression. Unlike the
	// line formats the compression happens inside the container, not
	// around it.
	Codec compression.Codec
	// DataPageSize is passed through to the writer properties. Zero uses
	// the library default.
	DataPageSize int64
}

// Parquet encodes record batches into parquet files. The schema is
// locked from the first batch; a batch arriving with a different table
// shape fails the stream. Because a parquet file is only valid once its
// footer is written, chunks are emitted per complete file: every chunk
// carries a whole file and a boundary flag.
type Parquet struct {
	cfg ParquetConfig
}

// NewParquet builds the columnar transformer.
func NewParquet(cfg ParquetConfig) *Parquet {
	return &Parquet{cfg: cfg}
}

// Transform implements Transformer.
func (p *Parquet) Transform(ctx context.Context, in <-chan *batch.RecordBatch) *Stream {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		if err := p.run(ctx, in, chunks); err != nil {
			errs <- err
		}
	}()

	return &Stream{Chunks: chunks, Errors: errs}
}

func (p *Parquet) run(ctx context.Context, in <-chan *batch.RecordBatch, chunks chan<- Chunk) error {
	var w *parquetFile
	for b := range in {
		if b.NumRows() == 0 {
			continue
		}
		if w == nil {
			var err error
			w, err = newParquetFile(b.Table(), p.cfg)
			if err != nil {
				return err
			}
		}
		if err := w.appendBatch(b); err != nil {
			return err
		}
		if p.cfg.MaxFileSize > 0 && w.bufferedBytes() >= p.cfg.MaxFileSize {
			payload, err := w.finish()
			if err != nil {
				return err
			}
			if err := sendChunk(ctx, chunks, Chunk{Payload: payload, FileBoundary: true}); err != nil {
				return err
			}
			if err := w.reset(); err != nil {
				return err
			}
		}
	}

	if w == nil || w.rows == 0 {
		return nil
	}
	payload, err := w.finish()
	if err != nil {
		return err
	}
	return sendChunk(ctx, chunks, Chunk{Payload: payload, FileBoundary: true})
}

func sendChunk(ctx context.Context, chunks chan<- Chunk, c Chunk) error {
	select {
	case chunks <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parquetFile is one in-flight output file: an arrow record builder
// feeding a buffered pqarrow writer.
type parquetFile struct {
	table       *schema.Table
	arrowSchema *arrow.Schema
	alloc       memory.Allocator
	props       *parquet.WriterProperties
	arrowProps  pqarrow.ArrowWriterProperties

	buf     *bytes.Buffer
	writer  *pqarrow.FileWriter
	builder *array.RecordBuilder
	rows    int64
}

func newParquetFile(table *schema.Table, cfg ParquetConfig) (*parquetFile, error) {
	arrowSchema, err := schema.ToArrow(table)
	if err != nil {
		return nil, err
	}

	alloc := memory.NewGoAllocator()
	opts := []parquet.WriterProperty{
		parquet.WithCompression(toParquetCodec(cfg.Codec)),
	}
	if cfg.DataPageSize > 0 {
		opts = append(opts, parquet.WithDataPageSize(cfg.DataPageSize))
	}

	f := &parquetFile{
		table:       table,
		arrowSchema: arrowSchema,
		alloc:       alloc,
		props:       parquet.NewWriterProperties(opts...),
		arrowProps:  pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(alloc)),
		builder:     array.NewRecordBuilder(alloc, arrowSchema),
	}
	if err := f.reset(); err != nil {
		return nil, err
	}
	return f, nil
}

// reset starts a fresh file on a fresh buffer.
func (f *parquetFile) reset() error {
	f.buf = &bytes.Buffer{}
	f.rows = 0
	w, err := pqarrow.NewFileWriter(f.arrowSchema, f.buf, f.props, f.arrowProps)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to create parquet writer")
	}
	f.writer = w
	return nil
}

func (f *parquetFile) bufferedBytes() int64 {
	return int64(f.buf.Len())
}

// appendBatch appends every row of b to the builder and flushes the
// resulting arrow record into the writer.
func (f *parquetFile) appendBatch(b *batch.RecordBatch) error {
	table := b.Table()
	if len(table.Fields) != len(f.table.Fields) {
		return errors.Newf(errors.KindSchema,
			"batch has %d columns, stream locked to %d", len(table.Fields), len(f.table.Fields))
	}

	for c, field := range f.table.Fields {
		col := b.Column(c)
		if err := f.appendColumn(c, field, col); err != nil {
			return errors.Wrap(err, errors.KindSchema, "failed to append column "+field.Name)
		}
	}

	rec := f.builder.NewRecord()
	defer rec.Release()
	if err := f.writer.WriteBuffered(rec); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to write parquet row group")
	}
	f.rows += int64(b.NumRows())
	return nil
}

// finish closes the writer, making the footer valid, and returns the
// complete file payload.
func (f *parquetFile) finish() ([]byte, error) {
	if err := f.writer.Close(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to close parquet file")
	}
	payload := make([]byte, f.buf.Len())
	copy(payload, f.buf.Bytes())
	return payload, nil
}

func (f *parquetFile) appendColumn(idx int, field schema.Field, values []interface{}) error {
	builder := f.builder.Field(idx)
	for _, v := range values {
		if v == nil {
			builder.AppendNull()
			continue
		}
		if err := appendValue(builder, field.Type, v); err != nil {
			return err
		}
	}
	return nil
}

func appendValue(builder array.Builder, t schema.Type, value interface{}) error {
	switch b := builder.(type) {
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return typeMismatch(t, value)
		}
		b.Append(v)

	case *array.Int16Builder:
		switch v := value.(type) {
		case int16:
			b.Append(v)
		case int:
			b.Append(int16(v))
		default:
			return typeMismatch(t, value)
		}

	case *array.Int32Builder:
		switch v := value.(type) {
		case int32:
			b.Append(v)
		case int16:
			b.Append(int32(v))
		case int:
			b.Append(int32(v))
		default:
			return typeMismatch(t, value)
		}

	case *array.Int64Builder:
		switch v := value.(type) {
		case int64:
			b.Append(v)
		case int32:
			b.Append(int64(v))
		case int16:
			b.Append(int64(v))
		case int:
			b.Append(int64(v))
		default:
			return typeMismatch(t, value)
		}

	case *array.Uint64Builder:
		switch v := value.(type) {
		case uint64:
			b.Append(v)
		case uint:
			b.Append(uint64(v))
		default:
			return typeMismatch(t, value)
		}

	case *array.Float32Builder:
		v, ok := value.(float32)
		if !ok {
			return typeMismatch(t, value)
		}
		b.Append(v)

	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		default:
			return typeMismatch(t, value)
		}

	case *array.StringBuilder:
		switch v := value.(type) {
		case string:
			b.Append(v)
		case []byte:
			b.Append(string(v))
		default:
			// JSON and list columns may still carry structured values.
			raw, err := gojson.Marshal(v)
			if err != nil {
				return typeMismatch(t, value)
			}
			b.Append(string(raw))
		}

	case *array.TimestampBuilder:
		switch v := value.(type) {
		case time.Time:
			b.Append(arrow.Timestamp(schema.EpochIn(v, t.Unit)))
		case int64:
			b.Append(arrow.Timestamp(v))
		default:
			return typeMismatch(t, value)
		}

	default:
		return errors.Newf(errors.KindSchema, "unsupported arrow builder %T", builder)
	}
	return nil
}

func typeMismatch(t schema.Type, value interface{}) error {
	return errors.Newf(errors.KindSchema, "value of type %T does not fit column type %s", value, t)
}

func toParquetCodec(c compression.Codec) parquetcompress.Compression {
	switch c {
	case compression.Gzip:
		return parquetcompress.Codecs.Gzip
	case compression.Snappy, compression.S2:
		return parquetcompress.Codecs.Snappy
	case compression.LZ4:
		return parquetcompress.Codecs.Lz4Raw
	case compression.Zstd:
		return parquetcompress.Codecs.Zstd
	default:
		return parquetcompress.Codecs.Uncompressed
	}
}

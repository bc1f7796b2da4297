package transform

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"math/big"
	"sort"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// JSONLinesConfig configures the line-delimited transformer.
type JSONLinesConfig struct {
	// MaxFileSize triggers a file boundary once this many encoded bytes
	// have accumulated in the current file
	MaxFileSize int64
	// Codec compresses the aggregated stream
	Codec compression.Codec
	// Level is the codec level (0 = default)
	Level int
	// Limits caps in-flight batch encodes; required
	Limits *resource.Limits
	// Workers bounds the ordered hand-off queue between the encode pool
	// and the emitter
	Workers int
}

// JSONLines encodes one record per line. Encoding of each batch is
// distributed to a bounded pool of workers; output order is preserved by
// an ordered future queue, and the aggregated stream is compressed before
// it reaches the sink.
type JSONLines struct {
	cfg JSONLinesConfig
}

// NewJSONLines creates the transformer.
func NewJSONLines(cfg JSONLinesConfig) *JSONLines {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &JSONLines{cfg: cfg}
}

type encodeResult struct {
	data []byte
	rows int
	err  error
}

// Transform implements Transformer.
func (t *JSONLines) Transform(ctx context.Context, in <-chan *batch.RecordBatch) *Stream {
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

func (t *JSONLines) run(ctx context.Context, in <-chan *batch.RecordBatch, chunks chan<- Chunk) error {
	// Ordered queue of per-batch futures. The semaphore bounds in-flight
	// encodes so memory stays capped; the queue depth bounds reordering.
	pending := make(chan chan encodeResult, t.cfg.Workers)

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(pending)
		for b := range in {
			if err := t.cfg.Limits.AcquireEncoder(egctx); err != nil {
				return err
			}
			fut := make(chan encodeResult, 1)
			select {
			case pending <- fut:
			case <-egctx.Done():
				t.cfg.Limits.ReleaseEncoder()
				return egctx.Err()
			}
			b := b
			go func() {
				defer t.cfg.Limits.ReleaseEncoder()
				data, err := encodeBatchLines(b)
				fut <- encodeResult{data: data, rows: b.NumRows(), err: err}
			}()
		}
		return nil
	})

	file, err := newFileAccumulator(t.cfg.Codec, t.cfg.Level)
	if err != nil {
		return err
	}

	emit := func(c Chunk) error {
		select {
		case chunks <- c:
			return nil
		case <-egctx.Done():
			return egctx.Err()
		}
	}

	for fut := range pending {
		res := <-fut
		if res.err != nil {
			return res.err
		}
		payload, boundary, err := file.write(res.data, t.cfg.MaxFileSize)
		if err != nil {
			return err
		}
		if len(payload) > 0 || boundary {
			if err := emit(Chunk{Payload: payload, FileBoundary: boundary}); err != nil {
				return err
			}
		}
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	payload, open, err := file.finish()
	if err != nil {
		return err
	}
	if open {
		return emit(Chunk{Payload: payload, FileBoundary: true})
	}
	return nil
}

// fileAccumulator funnels encoded bytes through the compressor and
// tracks how much has gone into the current output file.
type fileAccumulator struct {
	codec compression.Codec
	level int

	buf     bytes.Buffer
	writer  interface {
		Write([]byte) (int, error)
		Close() error
	}
	fileBytes int64
}

func newFileAccumulator(codec compression.Codec, level int) (*fileAccumulator, error) {
	f := &fileAccumulator{codec: codec, level: level}
	if err := f.reset(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fileAccumulator) reset() error {
	f.buf.Reset()
	f.fileBytes = 0
	w, err := compression.NewWriter(f.codec, &f.buf, f.level)
	if err != nil {
		return err
	}
	f.writer = w
	return nil
}

// write appends encoded data to the current file and returns the bytes
// ready to ship. boundary is true when the file was closed because it
// exceeded maxFileSize.
func (f *fileAccumulator) write(data []byte, maxFileSize int64) ([]byte, bool, error) {
	if _, err := f.writer.Write(data); err != nil {
		return nil, false, errors.Wrap(err, errors.KindData, "failed to compress encoded batch")
	}
	f.fileBytes += int64(len(data))

	if maxFileSize > 0 && f.fileBytes >= maxFileSize {
		if err := f.writer.Close(); err != nil {
			return nil, false, errors.Wrap(err, errors.KindData, "failed to flush compressed file")
		}
		payload := append([]byte(nil), f.buf.Bytes()...)
		if err := f.reset(); err != nil {
			return nil, false, err
		}
		return payload, true, nil
	}

	payload := append([]byte(nil), f.buf.Bytes()...)
	f.buf.Reset()
	return payload, false, nil
}

// finish closes the current file. open reports whether any bytes were
// written to it, so an empty stream never produces a boundary.
func (f *fileAccumulator) finish() ([]byte, bool, error) {
	if f.fileBytes == 0 {
		return nil, false, nil
	}
	if err := f.writer.Close(); err != nil {
		return nil, false, errors.Wrap(err, errors.KindData, "failed to flush compressed file")
	}
	return append([]byte(nil), f.buf.Bytes()...), true, nil
}

// encodeBatchLines renders every row of the batch as one JSON line.
func encodeBatchLines(b *batch.RecordBatch) ([]byte, error) {
	var out bytes.Buffer
	fields := b.Table().Fields

	for r := 0; r < b.NumRows(); r++ {
		row := make(map[string]interface{}, len(fields))
		for c, f := range fields {
			row[f.Name] = encodableValue(b.Value(c, r), f.Type)
		}

		var data []byte
		var err error
		if needsFallback(row, 0) {
			// The primary encoder renders big integers as quoted text and
			// struggles with very deep nesting; the fallback encoder
			// handles arbitrary precision and arbitrary depth.
			data, err = fallbackEncode(row)
		} else {
			data, err = gojson.Marshal(row)
			if err != nil {
				data, err = fallbackEncode(row)
			}
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.KindData, "failed to encode record")
		}
		out.Write(data)
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

func encodableValue(v interface{}, t schema.Type) interface{} {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// fallbackDepth is the nesting depth beyond which rows skip the primary
// encoder.
const fallbackDepth = 100

// needsFallback reports whether the value tree contains an
// arbitrary-precision integer or nesting deeper than fallbackDepth.
func needsFallback(v interface{}, depth int) bool {
	if depth > fallbackDepth {
		return true
	}
	switch t := v.(type) {
	case *big.Int:
		return true
	case map[string]interface{}:
		for _, e := range t {
			if needsFallback(e, depth+1) {
				return true
			}
		}
	case []interface{}:
		for _, e := range t {
			if needsFallback(e, depth+1) {
				return true
			}
		}
	}
	return false
}

// fallbackEncode is a hand-rolled JSON encoder with no recursion depth
// limit. It exists for two inputs the primary encoder cannot handle:
// integers exceeding the 64-bit range and structures nested hundreds of
// levels deep.
func fallbackEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := fallbackWrite(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fallbackWrite(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		data, err := gojson.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(data)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float32:
		buf.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		buf.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case stdjson.Number:
		buf.WriteString(string(t))
	case *big.Int:
		buf.WriteString(t.String())
	case time.Time:
		buf.WriteByte('"')
		buf.WriteString(t.UTC().Format(time.RFC3339Nano))
		buf.WriteByte('"')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := fallbackWrite(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kdata, err := gojson.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kdata)
			buf.WriteByte(':')
			if err := fallbackWrite(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		data, err := gojson.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return nil
}

// DecodeLine parses one JSON line back into a record. Integer values that
// fit in 64 bits decode as int64; larger integers decode as *big.Int so
// round-tripping never loses precision.
func DecodeLine(line []byte) (map[string]interface{}, error) {
	dec := gojson.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		// Mirror the encode-side fallback: the standard decoder accepts
		// deeper nesting than the primary one.
		std := stdjson.NewDecoder(bytes.NewReader(line))
		std.UseNumber()
		raw = nil
		if serr := std.Decode(&raw); serr != nil {
			return nil, errors.Wrap(err, errors.KindData, "failed to parse record line")
		}
	}
	normalized, err := normalizeDecoded(raw)
	if err != nil {
		return nil, err
	}
	return normalized.(map[string]interface{}), nil
}

func normalizeDecoded(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case stdjson.Number:
		// Both decoders produce the standard Number type.
		return normalizeNumber(string(t))
	case map[string]interface{}:
		for k, e := range t {
			n, err := normalizeDecoded(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []interface{}:
		for i, e := range t {
			n, err := normalizeDecoded(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

func normalizeNumber(s string) (interface{}, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if i, ok := new(big.Int).SetString(s, 10); ok {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Newf(errors.KindData, "unparseable number %q", s)
	}
	return f, nil
}

package transform

import (
	"bytes"
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/errors"
)

// DelimitedConfig configures the delimited-text transformer.
type DelimitedConfig struct {
	// Delimiter separates fields. Defaults to a comma.
	Delimiter string
	// Quote wraps fields containing the delimiter, the quote itself or a
	// newline. Defaults to a double quote.
	Quote string
	// Escape precedes an embedded quote. Defaults to the quote character,
	// which yields standard CSV doubling.
	Escape string
	// NullToken renders NULL values. Defaults to the empty string.
	NullToken string
	// Header emits a column-name row at the start of every file.
	Header bool

	MaxFileSize int64
	Codec       compression.Codec
	Level       int
}

// Delimited encodes record batches as delimiter-separated text with
// configurable quoting, one row per line.
type Delimited struct {
	cfg DelimitedConfig
}

// NewDelimited creates the transformer.
func NewDelimited(cfg DelimitedConfig) *Delimited {
	if cfg.Delimiter == "" {
		cfg.Delimiter = ","
	}
	if cfg.Quote == "" {
		cfg.Quote = `"`
	}
	if cfg.Escape == "" {
		cfg.Escape = cfg.Quote
	}
	return &Delimited{cfg: cfg}
}

// Transform implements Transformer.
func (t *Delimited) Transform(ctx context.Context, in <-chan *batch.RecordBatch) *Stream {
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

func (t *Delimited) run(ctx context.Context, in <-chan *batch.RecordBatch, chunks chan<- Chunk) error {
	file, err := newFileAccumulator(t.cfg.Codec, t.cfg.Level)
	if err != nil {
		return err
	}
	headerPending := t.cfg.Header

	for b := range in {
		if b.NumRows() == 0 {
			continue
		}

		var out bytes.Buffer
		if headerPending {
			t.writeHeader(&out, b)
			headerPending = false
		}
		if err := t.encodeBatch(&out, b); err != nil {
			return err
		}

		payload, boundary, err := file.write(out.Bytes(), t.cfg.MaxFileSize)
		if err != nil {
			return err
		}
		if boundary {
			// The next file starts with its own header row.
			headerPending = t.cfg.Header
		}
		if len(payload) > 0 || boundary {
			if err := sendChunk(ctx, chunks, Chunk{Payload: payload, FileBoundary: boundary}); err != nil {
				return err
			}
		}
	}

	payload, open, err := file.finish()
	if err != nil {
		return err
	}
	if open {
		return sendChunk(ctx, chunks, Chunk{Payload: payload, FileBoundary: true})
	}
	return nil
}

func (t *Delimited) writeHeader(out *bytes.Buffer, b *batch.RecordBatch) {
	for c, f := range b.Table().Fields {
		if c > 0 {
			out.WriteString(t.cfg.Delimiter)
		}
		out.WriteString(t.quoteField(f.Name))
	}
	out.WriteByte('\n')
}

func (t *Delimited) encodeBatch(out *bytes.Buffer, b *batch.RecordBatch) error {
	cols := b.NumCols()
	for r := 0; r < b.NumRows(); r++ {
		for c := 0; c < cols; c++ {
			if c > 0 {
				out.WriteString(t.cfg.Delimiter)
			}
			field, err := t.renderValue(b.Value(c, r))
			if err != nil {
				return err
			}
			out.WriteString(field)
		}
		out.WriteByte('\n')
	}
	return nil
}

// renderValue converts a value to its text form, quoted when necessary.
func (t *Delimited) renderValue(v interface{}) (string, error) {
	if v == nil {
		return t.cfg.NullToken, nil
	}
	switch val := v.(type) {
	case string:
		return t.quoteField(val), nil
	case bool:
		return strconv.FormatBool(val), nil
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
		return val.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return t.quoteField(string(val)), nil
	default:
		raw, err := gojson.Marshal(val)
		if err != nil {
			return "", errors.Wrap(err, errors.KindData, "failed to render delimited field")
		}
		return t.quoteField(string(raw)), nil
	}
}

// quoteField wraps s in quotes when it contains the delimiter, the quote
// character or a line break, escaping embedded quotes.
func (t *Delimited) quoteField(s string) string {
	if !strings.Contains(s, t.cfg.Delimiter) &&
		!strings.Contains(s, t.cfg.Quote) &&
		!strings.ContainsAny(s, "\r\n") {
		return s
	}
	escaped := strings.ReplaceAll(s, t.cfg.Quote, t.cfg.Escape+t.cfg.Quote)
	return t.cfg.Quote + escaped + t.cfg.Quote
}

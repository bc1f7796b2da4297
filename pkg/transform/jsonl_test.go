package transform

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

func docTable() *schema.Table {
	return &schema.Table{
		Name: "docs",
		Fields: []schema.Field{
			{Name: "id", Type: schema.Int64},
			{Name: "doc", Type: schema.JSON, Nullable: true},
		},
	}
}

func docBatch(t *testing.T, docs []interface{}) *batch.RecordBatch {
	t.Helper()
	ids := make([]interface{}, len(docs))
	for i := range docs {
		ids[i] = int64(i)
	}
	b, err := batch.New(docTable(), [][]interface{}{ids, docs})
	require.NoError(t, err)
	return b
}

func runTransform(t *testing.T, tr Transformer, batches ...*batch.RecordBatch) ([]Chunk, error) {
	t.Helper()
	in := make(chan *batch.RecordBatch, len(batches))
	for _, b := range batches {
		in <- b
	}
	close(in)

	stream := tr.Transform(context.Background(), in)
	var chunks []Chunk
	for c := range stream.Chunks {
		chunks = append(chunks, c)
	}
	for err := range stream.Errors {
		if err != nil {
			return chunks, err
		}
	}
	return chunks, nil
}

func newJSONLines(maxFile int64) *JSONLines {
	return NewJSONLines(JSONLinesConfig{
		MaxFileSize: maxFile,
		Codec:       compression.None,
		Limits:      resource.NewLimits(4, 4),
		Workers:     2,
	})
}

func lines(chunks []Chunk) [][]byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Payload)
	}
	var out [][]byte
	for _, l := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(l) > 0 {
			out = append(out, l)
		}
	}
	return out
}

func TestJSONLinesRoundTripsBigIntegers(t *testing.T) {
	huge, ok := new(big.Int).SetString("123456789012345678901234567890123456789", 10)
	require.True(t, ok)
	negative := new(big.Int).Neg(huge)

	b := docBatch(t, []interface{}{
		map[string]interface{}{"value": huge},
		map[string]interface{}{"value": negative},
		map[string]interface{}{"value": int64(42)},
	})

	chunks, err := runTransform(t, newJSONLines(0), b)
	require.NoError(t, err)

	got := lines(chunks)
	require.Len(t, got, 3)

	row, err := DecodeLine(got[0])
	require.NoError(t, err)
	doc := row["doc"].(map[string]interface{})
	decoded, isBig := doc["value"].(*big.Int)
	require.True(t, isBig, "oversized integer must decode as big.Int, got %T", doc["value"])
	assert.Zero(t, huge.Cmp(decoded))

	row, err = DecodeLine(got[2])
	require.NoError(t, err)
	doc = row["doc"].(map[string]interface{})
	assert.Equal(t, int64(42), doc["value"])
}

func TestJSONLinesRoundTripsDeepNesting(t *testing.T) {
	const depth = 300
	var doc interface{} = "leaf"
	for i := 0; i < depth; i++ {
		doc = map[string]interface{}{"n": doc}
	}

	b := docBatch(t, []interface{}{doc})
	chunks, err := runTransform(t, newJSONLines(0), b)
	require.NoError(t, err)

	got := lines(chunks)
	require.Len(t, got, 1)

	row, err := DecodeLine(got[0])
	require.NoError(t, err)

	cur := row["doc"]
	for i := 0; i < depth; i++ {
		m, ok := cur.(map[string]interface{})
		require.True(t, ok, "level %d missing", i)
		cur = m["n"]
	}
	assert.Equal(t, "leaf", cur)
}

func TestJSONLinesPreservesBatchOrder(t *testing.T) {
	var batches []*batch.RecordBatch
	for i := 0; i < 8; i++ {
		batches = append(batches, docBatch(t, []interface{}{
			map[string]interface{}{"batch": int64(i)},
		}))
	}

	chunks, err := runTransform(t, newJSONLines(0), batches...)
	require.NoError(t, err)

	got := lines(chunks)
	require.Len(t, got, 8)
	for i, l := range got {
		row, err := DecodeLine(l)
		require.NoError(t, err)
		doc := row["doc"].(map[string]interface{})
		assert.Equal(t, int64(i), doc["batch"], "line %d out of order", i)
	}
}

func TestJSONLinesFileSplitting(t *testing.T) {
	var batches []*batch.RecordBatch
	for i := 0; i < 10; i++ {
		batches = append(batches, docBatch(t, []interface{}{
			map[string]interface{}{"filler": string(make([]byte, 100))},
		}))
	}

	// Small cap: several boundaries, final boundary closes the stream.
	chunks, err := runTransform(t, newJSONLines(200), batches...)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	boundaries := 0
	for _, c := range chunks {
		if c.FileBoundary {
			boundaries++
		}
	}
	assert.Greater(t, boundaries, 1)
	assert.True(t, chunks[len(chunks)-1].FileBoundary, "stream must end on a file boundary")
}

func TestJSONLinesEmptyInputEmitsNothing(t *testing.T) {
	chunks, err := runTransform(t, newJSONLines(1024))
	require.NoError(t, err)
	assert.Empty(t, chunks, "no rows means no chunks and no file boundary")
}

func TestJSONLinesCompressedOutput(t *testing.T) {
	b := docBatch(t, []interface{}{
		map[string]interface{}{"k": "v"},
	})

	tr := NewJSONLines(JSONLinesConfig{
		Codec:   compression.Gzip,
		Limits:  resource.NewLimits(2, 2),
		Workers: 1,
	})
	chunks, err := runTransform(t, tr, b)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Payload)
	}
	// Gzip magic.
	require.GreaterOrEqual(t, buf.Len(), 2)
	assert.Equal(t, byte(0x1f), buf.Bytes()[0])
	assert.Equal(t, byte(0x8b), buf.Bytes()[1])
}

func TestDecodeLineNumericShapes(t *testing.T) {
	row, err := DecodeLine([]byte(`{"small": 7, "big": 99999999999999999999999999, "frac": 1.5}`))
	require.NoError(t, err)

	assert.Equal(t, int64(7), row["small"])
	_, isBig := row["big"].(*big.Int)
	assert.True(t, isBig)
	assert.Equal(t, 1.5, row["frac"])
}

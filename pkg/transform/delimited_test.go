package transform

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

func delimitedTable() *schema.Table {
	return &schema.Table{
		Name: "events",
		Fields: []schema.Field{
			{Name: "id", Type: schema.Int64},
			{Name: "name", Type: schema.String, Nullable: true},
			{Name: "at", Type: schema.Timestamp(schema.UnitMicros)},
		},
	}
}

func delimitedText(t *testing.T, cfg DelimitedConfig, rows [][]interface{}) string {
	t.Helper()
	cfg.Codec = compression.None
	b, err := batch.FromRows(delimitedTable(), rows)
	require.NoError(t, err)

	chunks, err := runTransform(t, NewDelimited(cfg), b)
	require.NoError(t, err)

	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Payload)
	}
	return buf.String()
}

func TestDelimitedBasicRows(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got := delimitedText(t, DelimitedConfig{}, [][]interface{}{
		{int64(1), "alice", at},
		{int64(2), nil, at},
	})

	want := "1,alice,2026-05-01T10:00:00Z\n2,,2026-05-01T10:00:00Z\n"
	assert.Equal(t, want, got)
}

func TestDelimitedHeader(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got := delimitedText(t, DelimitedConfig{Header: true}, [][]interface{}{
		{int64(1), "a", at},
	})
	assert.True(t, bytes.HasPrefix([]byte(got), []byte("id,name,at\n")))
}

func TestDelimitedQuoting(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("delimiter in value forces quotes", func(t *testing.T) {
		got := delimitedText(t, DelimitedConfig{}, [][]interface{}{
			{int64(1), "a,b", at},
		})
		assert.Contains(t, got, `"a,b"`)
	})

	t.Run("embedded quote doubles by default", func(t *testing.T) {
		got := delimitedText(t, DelimitedConfig{}, [][]interface{}{
			{int64(1), `say "hi"`, at},
		})
		assert.Contains(t, got, `"say ""hi"""`)
	})

	t.Run("custom escape character", func(t *testing.T) {
		got := delimitedText(t, DelimitedConfig{Escape: `\`}, [][]interface{}{
			{int64(1), `say "hi"`, at},
		})
		assert.Contains(t, got, `"say \"hi\""`)
	})

	t.Run("custom delimiter", func(t *testing.T) {
		got := delimitedText(t, DelimitedConfig{Delimiter: "|"}, [][]interface{}{
			{int64(1), "a,b", at},
		})
		// Comma is no longer special.
		assert.Contains(t, got, "1|a,b|")
	})

	t.Run("newline in value forces quotes", func(t *testing.T) {
		got := delimitedText(t, DelimitedConfig{}, [][]interface{}{
			{int64(1), "two\nlines", at},
		})
		assert.Contains(t, got, "\"two\nlines\"")
	})
}

func TestDelimitedNullToken(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got := delimitedText(t, DelimitedConfig{NullToken: "NULL"}, [][]interface{}{
		{int64(1), nil, at},
	})
	assert.Contains(t, got, "1,NULL,")
}

func TestDelimitedHeaderRepeatsPerFile(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var batches []*batch.RecordBatch
	for i := 0; i < 4; i++ {
		b, err := batch.FromRows(delimitedTable(), [][]interface{}{
			{int64(i), "some reasonably long name value here", at},
		})
		require.NoError(t, err)
		batches = append(batches, b)
	}

	tr := NewDelimited(DelimitedConfig{
		Header:      true,
		MaxFileSize: 40,
		Codec:       compression.None,
	})
	chunks, err := runTransform(t, tr, batches...)
	require.NoError(t, err)

	var all bytes.Buffer
	boundaries := 0
	for _, c := range chunks {
		all.Write(c.Payload)
		if c.FileBoundary {
			boundaries++
		}
	}
	assert.Greater(t, boundaries, 1)
	assert.Greater(t, bytes.Count(all.Bytes(), []byte("id,name,at\n")), 1)
}

func TestDelimitedEmptyInput(t *testing.T) {
	tr := NewDelimited(DelimitedConfig{Codec: compression.None})
	chunks, err := runTransform(t, tr)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/schema"
)

func TestNewValidatesShape(t *testing.T) {
	table := testTable()

	t.Run("column count mismatch", func(t *testing.T) {
		_, err := New(table, [][]interface{}{{int64(1)}})
		assert.Error(t, err)
	})

	t.Run("ragged columns", func(t *testing.T) {
		_, err := New(table, [][]interface{}{
			{int64(1), int64(2)},
			{"a"},
		})
		assert.Error(t, err)
	})
}

func TestFromRowsRoundTrip(t *testing.T) {
	table := testTable()
	b, err := FromRows(table, [][]interface{}{
		{int64(1), "a"},
		{int64(2), "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, b.NumRows())
	assert.Equal(t, int64(2), b.Value(0, 1))
	assert.Equal(t, []interface{}{int64(2), "b"}, b.Row(1))
}

func TestSliceRowsSharesStorage(t *testing.T) {
	b := makeBatch(t, 10, "payload")
	s, err := b.SliceRows(2, 5)
	require.NoError(t, err)

	assert.Equal(t, 3, s.NumRows())
	assert.Equal(t, b.Value(0, 2), s.Value(0, 0))

	_, err = b.SliceRows(5, 2)
	assert.Error(t, err)
}

func TestSplitRespectsBounds(t *testing.T) {
	b := makeBatch(t, 1000, "a payload of a few dozen bytes to give rows real size")

	t.Run("under the cap returns the batch unchanged", func(t *testing.T) {
		parts, err := b.Split(b.EstimatedBytes()+1, 10)
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Same(t, b, parts[0])
	})

	t.Run("oversized batch splits under the byte cap", func(t *testing.T) {
		maxBytes := b.EstimatedBytes() / 4
		parts, err := b.Split(maxBytes, 10)
		require.NoError(t, err)
		assert.Greater(t, len(parts), 1)

		total := 0
		for _, p := range parts {
			total += p.NumRows()
			if p.NumRows() > 10 {
				assert.LessOrEqual(t, p.EstimatedBytes(), maxBytes+maxBytes/2)
			}
		}
		assert.Equal(t, b.NumRows(), total)
	})

	t.Run("min rows floor wins over byte cap", func(t *testing.T) {
		parts, err := b.Split(1, 100)
		require.NoError(t, err)
		for i, p := range parts {
			if i < len(parts)-1 {
				assert.GreaterOrEqual(t, p.NumRows(), 100)
			}
		}
	})
}

func TestEstimatedBytesFixedWidth(t *testing.T) {
	table := &schema.Table{
		Name: "narrow",
		Fields: []schema.Field{
			{Name: "a", Type: schema.Int32},
			{Name: "b", Type: schema.Float64},
			{Name: "c", Type: schema.Bool},
		},
	}
	b, err := New(table, [][]interface{}{
		{int32(1), int32(2)},
		{1.0, 2.0},
		{true, false},
	})
	require.NoError(t, err)
	// 2 rows: (4 + 8 + 1) each.
	assert.Equal(t, int64(26), b.EstimatedBytes())
}

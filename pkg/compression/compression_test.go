package compression

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	got, err := Parse("zstd")
	require.NoError(t, err)
	assert.Equal(t, Zstd, got)

	got, err = Parse("")
	require.NoError(t, err)
	assert.Equal(t, None, got)

	_, err = Parse("brotli")
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".gz", Gzip.Extension())
	assert.Equal(t, ".zst", Zstd.Extension())
	assert.Equal(t, "", None.Extension())
}

func TestWriterRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 100)

	t.Run("none passes through", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := NewWriter(None, &buf, 0)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.Equal(t, payload, buf.Bytes())
	})

	t.Run("gzip decompresses to the input", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := NewWriter(Gzip, &buf, 0)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := gzip.NewReader(&buf)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("zstd decompresses to the input", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := NewWriter(Zstd, &buf, 0)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := zstd.NewReader(&buf)
		require.NoError(t, err)
		defer r.Close()
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
}

func TestCompressShrinksRepetitiveData(t *testing.T) {
	payload := bytes.Repeat([]byte("aaaaaaaa"), 1000)
	for _, codec := range []Codec{Gzip, Snappy, S2, LZ4, Zstd} {
		out, err := Compress(codec, payload)
		require.NoError(t, err, "codec %s", codec)
		assert.Less(t, len(out), len(payload), "codec %s", codec)
	}
}

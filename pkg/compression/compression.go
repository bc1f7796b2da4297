// Package compression provides the output codecs used by the chunk
// transformers. It wraps several algorithms behind one streaming writer
// interface so a transformer can compress its output without knowing
// which codec the export was configured with.
//
// Speed (fastest to slowest): LZ4 > Snappy/S2 > Zstd > Gzip.
// Compression ratio (best to worst): Zstd > Gzip > Snappy/S2 > LZ4.
package compression

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Codec identifies a compression algorithm.
type Codec string

const (
	// None disables compression
	None Codec = "none"
	// Gzip is standard gzip
	Gzip Codec = "gzip"
	// Snappy is Google snappy framing
	Snappy Codec = "snappy"
	// S2 is the snappy-compatible s2 format
	S2 Codec = "s2"
	// LZ4 is lz4 framed
	LZ4 Codec = "lz4"
	// Zstd is zstandard
	Zstd Codec = "zstd"
)

// Parse maps a config string to a Codec.
func Parse(name string) (Codec, error) {
	switch Codec(name) {
	case None, Gzip, Snappy, S2, LZ4, Zstd:
		return Codec(name), nil
	case "":
		return None, nil
	default:
		return "", errors.Newf(errors.KindConfig, "unsupported compression codec: %s", name)
	}
}

// Extension returns the file name suffix for the codec, including the
// leading dot. None returns an empty string.
func (c Codec) Extension() string {
	switch c {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".snappy"
	case S2:
		return ".s2"
	case LZ4:
		return ".lz4"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}

// nopWriteCloser passes writes through for the None codec.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w in a streaming compressor for the codec. The caller
// must Close the returned writer to flush codec framing before the
// underlying writer is finalized.
func NewWriter(codec Codec, w io.Writer, level int) (io.WriteCloser, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		if level <= 0 {
			level = gzip.DefaultCompression
		}
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "invalid gzip level")
		}
		return zw, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case S2:
		return s2.NewWriter(w), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	case Zstd:
		opts := []zstd.EOption{}
		if level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		zw, err := zstd.NewWriter(w, opts...)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "failed to create zstd writer")
		}
		return zw, nil
	default:
		return nil, errors.Newf(errors.KindConfig, "unsupported compression codec: %s", codec)
	}
}

// Compress compresses data in one shot. Used for small payloads where
// streaming is not worth the setup cost.
func Compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case S2:
		return s2.Encode(nil, data), nil
	default:
		var buf writerBuffer
		w, err := NewWriter(codec, &buf, 0)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, errors.KindData, "compression failed")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, errors.KindData, "compression close failed")
		}
		return buf.b, nil
	}
}

type writerBuffer struct {
	b []byte
}

func (w *writerBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

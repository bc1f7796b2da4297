package sink

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// GCSConfig configures a Google Cloud Storage object sink.
type GCSConfig struct {
	Bucket    string
	Prefix    string
	RunID     string
	Extension string
	// ChunkSize tunes the resumable upload buffer. Zero uses the client
	// default.
	ChunkSize int
	// Limits caps concurrent uploads across the run; required.
	Limits *resource.Limits
}

// GCSSink streams chunks straight into an object writer and commits the
// object at each file boundary. Unlike the S3 sink nothing is buffered
// locally: an object only becomes visible when its writer closes, and a
// writer abandoned mid-file is aborted by cancelling its context.
type GCSSink struct {
	cfg    GCSConfig
	bucket *storage.BucketHandle
	namer  ObjectNamer

	// open builds a writer for the named object; tests substitute it.
	open func(ctx context.Context, name string) io.WriteCloser

	writer  io.WriteCloser
	object  string
	abort   context.CancelFunc
	written int64
	held    bool
}

// NewGCSFactory returns a factory producing one GCS sink per consumer.
func NewGCSFactory(client *storage.Client, cfg GCSConfig) Factory {
	return FactoryFunc(func(ctx context.Context, consumer int) (Sink, error) {
		if cfg.Bucket == "" {
			return nil, errors.New(errors.KindConfig, "gcs sink requires a bucket")
		}
		g := &GCSSink{
			cfg:    cfg,
			bucket: client.Bucket(cfg.Bucket),
			namer: ObjectNamer{
				Prefix:    cfg.Prefix,
				RunID:     cfg.RunID,
				Consumer:  consumer,
				Extension: cfg.Extension,
			},
		}
		g.open = func(ctx context.Context, name string) io.WriteCloser {
			w := g.bucket.Object(name).NewWriter(ctx)
			if cfg.ChunkSize > 0 {
				w.ChunkSize = cfg.ChunkSize
			}
			return w
		}
		return g, nil
	})
}

// Prepare verifies bucket access and records the table name.
func (g *GCSSink) Prepare(ctx context.Context, table *schema.Table) error {
	g.namer.Table = table.Name
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to access bucket "+g.cfg.Bucket)
	}
	return nil
}

// ConsumeChunk streams the payload into the open object writer, opening
// one if needed. The connection slot is held for the life of the writer.
func (g *GCSSink) ConsumeChunk(ctx context.Context, chunk transform.Chunk) error {
	if g.writer == nil {
		if err := g.cfg.Limits.AcquireConnection(ctx); err != nil {
			return err
		}
		g.held = true
		wctx, cancel := context.WithCancel(ctx)
		g.abort = cancel
		g.object = g.namer.Next()
		g.writer = g.open(wctx, g.object)
		g.written = 0
	}
	n, err := g.writer.Write(chunk.Payload)
	g.written += int64(n)
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to write object chunk")
	}
	return nil
}

// FinalizeFile closes the writer, committing the object. The writer's
// context is released only after the close so the commit goes through.
func (g *GCSSink) FinalizeFile(ctx context.Context) error {
	if g.writer == nil {
		return nil
	}
	err := g.writer.Close()
	g.abort()
	g.abort = nil
	g.releaseSlot()
	name := g.object
	g.writer = nil
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to commit object "+name)
	}
	logger.Debug("committed object",
		zap.String("bucket", g.cfg.Bucket),
		zap.String("object", name),
		zap.Int64("bytes", g.written))
	return nil
}

// Finalize is a no-op; every object was committed at its file boundary.
func (g *GCSSink) Finalize(ctx context.Context) error { return nil }

// Close abandons any open writer without committing it: the writer's
// context is cancelled before the close, which aborts the upload, so a
// truncated object never becomes visible.
func (g *GCSSink) Close() error {
	if g.writer != nil {
		g.abort()
		g.abort = nil
		g.writer.Close()
		g.writer = nil
		logger.Debug("abandoned object",
			zap.String("bucket", g.cfg.Bucket),
			zap.String("object", g.object),
			zap.Int64("bytes", g.written))
	}
	g.releaseSlot()
	return nil
}

func (g *GCSSink) releaseSlot() {
	if g.held {
		g.cfg.Limits.ReleaseConnection()
		g.held = false
	}
}

package sink

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// S3Config configures an S3 object sink.
type S3Config struct {
	Bucket string
	Prefix string
	RunID  string
	// Extension is the object suffix, including format and codec parts,
	// e.g. ".jsonl.gz".
	Extension string
	// PartSize tunes the multipart uploader. Zero uses the SDK default.
	PartSize int64
	// Limits caps concurrent uploads across the run; required.
	Limits *resource.Limits
}

// S3Sink accumulates chunks in memory and uploads one object per
// finalized file.
type S3Sink struct {
	cfg      S3Config
	uploader *manager.Uploader
	namer    ObjectNamer

	buf bytes.Buffer
}

// NewS3Factory returns a factory producing one S3 sink per consumer.
func NewS3Factory(client *s3.Client, cfg S3Config) Factory {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
	})
	return FactoryFunc(func(ctx context.Context, consumer int) (Sink, error) {
		if cfg.Bucket == "" {
			return nil, errors.New(errors.KindConfig, "s3 sink requires a bucket")
		}
		return &S3Sink{
			cfg:      cfg,
			uploader: uploader,
			namer: ObjectNamer{
				Prefix:    cfg.Prefix,
				RunID:     cfg.RunID,
				Consumer:  consumer,
				Extension: cfg.Extension,
			},
		}, nil
	})
}

// Prepare records the table name for object keys. S3 has no schema to
// create.
func (s *S3Sink) Prepare(ctx context.Context, table *schema.Table) error {
	s.namer.Table = table.Name
	return nil
}

// ConsumeChunk buffers the payload.
func (s *S3Sink) ConsumeChunk(ctx context.Context, chunk transform.Chunk) error {
	_, err := s.buf.Write(chunk.Payload)
	return err
}

// FinalizeFile uploads the buffered object.
func (s *S3Sink) FinalizeFile(ctx context.Context) error {
	if err := s.cfg.Limits.AcquireConnection(ctx); err != nil {
		return err
	}
	defer s.cfg.Limits.ReleaseConnection()

	key := s.namer.Next()
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(s.buf.Bytes()),
	})
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "failed to upload object "+key)
	}

	logger.Debug("uploaded object",
		zap.String("bucket", s.cfg.Bucket),
		zap.String("key", key),
		zap.Int("bytes", s.buf.Len()))
	s.buf.Reset()
	return nil
}

// Finalize is a no-op; every object was committed at its file boundary.
func (s *S3Sink) Finalize(ctx context.Context) error { return nil }

// Close drops any uncommitted buffer.
func (s *S3Sink) Close() error {
	s.buf.Reset()
	return nil
}

package source

import (
	"bytes"
	"context"
	"io"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// StagingConfig configures a source reading pre-exported parquet objects
// from an S3 staging area.
type StagingConfig struct {
	Bucket string
	Prefix string
	// TableName names the universal table recovered from the parquet
	// schema. Staged objects carry no table identity of their own.
	TableName string
	// PrimaryKey and VersionKey are applied to the recovered table.
	PrimaryKey []string
	VersionKey []string
}

// StagingSource replays parquet objects from a staging bucket as record
// batches. Interval bounds select objects by their last-modified time:
// staged objects are written once and never rewritten, so modification
// time tracks the export that produced them.
type StagingSource struct {
	cfg        StagingConfig
	client     *s3.Client
	downloader *manager.Downloader

	table *schema.Table
}

// NewStagingSource wraps an S3 client.
func NewStagingSource(client *s3.Client, cfg StagingConfig) (*StagingSource, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindConfig, "staging source requires a bucket")
	}
	return &StagingSource{
		cfg:        cfg,
		client:     client,
		downloader: manager.NewDownloader(client),
	}, nil
}

// Table recovers the universal schema from the first staged object.
func (s *StagingSource) Table(ctx context.Context) (*schema.Table, error) {
	if s.table != nil {
		return s.table, nil
	}

	keys, err := s.listObjects(ctx, checkpoint.DateRange{})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.Newf(errors.KindData,
			"no staged objects under s3://%s/%s", s.cfg.Bucket, s.cfg.Prefix)
	}

	data, err := s.download(ctx, keys[0].key)
	if err != nil {
		return nil, err
	}
	reader, err := newParquetObjectReader(data)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	table, err := schema.FromArrow(s.cfg.TableName, reader.schema)
	if err != nil {
		return nil, err
	}
	table.PrimaryKey = s.cfg.PrimaryKey
	table.VersionKey = s.cfg.VersionKey
	s.table = table
	return s.table, nil
}

// EstimateBytes sums the sizes of the interval's objects.
func (s *StagingSource) EstimateBytes(ctx context.Context, interval checkpoint.DateRange) (int64, error) {
	keys, err := s.listObjects(ctx, interval)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		total += k.size
	}
	return total, nil
}

// Open streams the interval's objects in key order.
func (s *StagingSource) Open(ctx context.Context, interval checkpoint.DateRange) (Iterator, error) {
	table, err := s.Table(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := s.listObjects(ctx, interval)
	if err != nil {
		return nil, err
	}

	logger.Info("opening staged interval",
		zap.String("bucket", s.cfg.Bucket),
		zap.String("prefix", s.cfg.Prefix),
		zap.Int("objects", len(keys)))

	return &stagingIterator{source: s, table: table, keys: keys}, nil
}

// Close is a no-op; the S3 client is owned by the caller.
func (s *StagingSource) Close() error { return nil }

type stagedObject struct {
	key  string
	size int64
}

func (s *StagingSource) listObjects(ctx context.Context, interval checkpoint.DateRange) ([]stagedObject, error) {
	var out []stagedObject
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "failed to list staged objects")
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || obj.LastModified == nil {
				continue
			}
			if !inInterval(*obj.LastModified, interval) {
				continue
			}
			out = append(out, stagedObject{key: *obj.Key, size: aws.ToInt64(obj.Size)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

func inInterval(ts time.Time, interval checkpoint.DateRange) bool {
	if interval.Start != nil && ts.Before(*interval.Start) {
		return false
	}
	if !interval.End.IsZero() && !ts.Before(interval.End) {
		return false
	}
	return true
}

func (s *StagingSource) download(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to download staged object "+key)
	}
	return buf.Bytes(), nil
}

// stagingIterator walks the object list, yielding one record batch per
// parquet row group read.
type stagingIterator struct {
	source *StagingSource
	table  *schema.Table
	keys   []stagedObject

	next   int
	reader *parquetObjectReader
}

func (it *stagingIterator) Next(ctx context.Context) (*batch.RecordBatch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if it.reader == nil {
			if it.next >= len(it.keys) {
				return nil, io.EOF
			}
			data, err := it.source.download(ctx, it.keys[it.next].key)
			if err != nil {
				return nil, err
			}
			it.next++
			reader, err := newParquetObjectReader(data)
			if err != nil {
				return nil, err
			}
			it.reader = reader
		}

		rec, err := it.reader.read(ctx)
		if err == io.EOF {
			it.reader.Close()
			it.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		b, err := recordToBatch(it.table, rec)
		rec.Release()
		if err != nil {
			return nil, err
		}
		if b.NumRows() == 0 {
			continue
		}
		return b, nil
	}
}

func (it *stagingIterator) Close() error {
	if it.reader != nil {
		it.reader.Close()
		it.reader = nil
	}
	return nil
}

// parquetObjectReader streams arrow records out of one in-memory parquet
// object.
type parquetObjectReader struct {
	pq     *file.Reader
	reader *pqarrow.FileReader
	schema *arrow.Schema
	rr     pqarrow.RecordReader
}

func newParquetObjectReader(data []byte) (*parquetObjectReader, error) {
	pq, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindData, "failed to open staged parquet object")
	}
	fr, err := pqarrow.NewFileReader(pq, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.NewGoAllocator())
	if err != nil {
		pq.Close()
		return nil, errors.Wrap(err, errors.KindData, "failed to open arrow reader")
	}
	as, err := fr.Schema()
	if err != nil {
		pq.Close()
		return nil, errors.Wrap(err, errors.KindData, "failed to read parquet schema")
	}
	return &parquetObjectReader{pq: pq, schema: as, reader: fr}, nil
}

func (r *parquetObjectReader) read(ctx context.Context) (arrow.Record, error) {
	if r.rr == nil {
		rr, err := r.reader.GetRecordReader(ctx, nil, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindData, "failed to start record reader")
		}
		r.rr = rr
	}
	rec, err := r.rr.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindData, "failed to read staged records")
	}
	rec.Retain()
	return rec, nil
}

func (r *parquetObjectReader) Close() {
	if r.rr != nil {
		r.rr.Release()
		r.rr = nil
	}
	r.pq.Close()
}

// recordToBatch copies an arrow record into the universal columnar form.
func recordToBatch(table *schema.Table, rec arrow.Record) (*batch.RecordBatch, error) {
	if int(rec.NumCols()) != len(table.Fields) {
		return nil, errors.Newf(errors.KindSchema,
			"staged record has %d columns, table has %d", rec.NumCols(), len(table.Fields))
	}

	columns := make([][]interface{}, rec.NumCols())
	for c := 0; c < int(rec.NumCols()); c++ {
		col, err := arrowColumnValues(rec.Column(c), table.Fields[c].Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindData, "failed to decode column "+table.Fields[c].Name)
		}
		columns[c] = col
	}
	return batch.New(table, columns)
}

func arrowColumnValues(arr arrow.Array, t schema.Type) ([]interface{}, error) {
	n := arr.Len()
	out := make([]interface{}, n)

	switch a := arr.(type) {
	case *array.Boolean:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.Int16:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.Int32:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.Int64:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.Uint64:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.Float32:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.Float64:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.String:
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i)
			}
		}
	case *array.Timestamp:
		tsType, ok := a.DataType().(*arrow.TimestampType)
		if !ok {
			return nil, errors.New(errors.KindData, "malformed timestamp column")
		}
		for i := 0; i < n; i++ {
			if !a.IsNull(i) {
				out[i] = a.Value(i).ToTime(tsType.Unit).UTC()
			}
		}
	default:
		return nil, errors.Newf(errors.KindData, "unsupported staged column type %s", arr.DataType())
	}
	return out, nil
}

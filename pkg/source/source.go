// Package source provides the upstream ends of an export: readers that
// stream record batches for a requested interval. A source is
// restartable: Open may be called any number of times with narrowed
// intervals, which is how resumed runs skip already-exported ranges.
package source

import (
	"context"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// Iterator streams record batches for one opened interval. Next returns
// io.EOF once the interval is exhausted.
type Iterator interface {
	Next(ctx context.Context) (*batch.RecordBatch, error)
	Close() error
}

// Source is a readable upstream dataset.
type Source interface {
	// Table reports the dataset's universal schema after column filters
	// are applied.
	Table(ctx context.Context) (*schema.Table, error)
	// EstimateBytes estimates the total batch bytes the interval will
	// produce. The consumer pool scales against this figure, so it should
	// be cheap and roughly right rather than exact.
	EstimateBytes(ctx context.Context, interval checkpoint.DateRange) (int64, error)
	// Open starts a streaming read of the interval.
	Open(ctx context.Context, interval checkpoint.DateRange) (Iterator, error)
	Close() error
}

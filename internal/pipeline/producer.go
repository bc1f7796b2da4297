// Package pipeline wires the export run together: a producer streaming
// record batches from a source into the byte-bounded queue, a pool of
// consumers draining the queue through a chunk transformer into sinks,
// and the adaptive scaler that sizes the pool against a time budget.
package pipeline

import (
	"context"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/source"
)

// ProducerConfig bounds what the producer feeds into the queue.
type ProducerConfig struct {
	// MaxBatchBytes splits oversized source batches before enqueueing.
	MaxBatchBytes int64
	// MinRowsPerBatch floors the split so tiny slices do not flood the
	// queue with per-batch overhead.
	MinRowsPerBatch int
	// Readers is the number of intervals read concurrently on resume.
	Readers int
}

// Producer reads the remaining intervals of an export and enqueues
// batches. Completion is signaled by closing Done; any failure is held
// for Err. The queue never carries a sentinel.
type Producer struct {
	cfg   ProducerConfig
	src   source.Source
	queue *batch.Queue
	met   *metrics.Metrics

	done    chan struct{}
	stop    context.CancelFunc
	err     error
	records atomic.Int64
	bytes   atomic.Int64
}

// NewProducer creates a producer over the queue.
func NewProducer(cfg ProducerConfig, src source.Source, queue *batch.Queue, met *metrics.Metrics) *Producer {
	if cfg.Readers <= 0 {
		cfg.Readers = 1
	}
	return &Producer{
		cfg:   cfg,
		src:   src,
		queue: queue,
		met:   met,
		done:  make(chan struct{}),
	}
}

// Start launches the read of the given intervals. Done closes when every
// interval has been fully enqueued or a read failed.
func (p *Producer) Start(ctx context.Context, intervals []checkpoint.DateRange) {
	ctx, p.stop = context.WithCancel(ctx)
	go func() {
		defer p.stop()
		defer close(p.done)
		p.err = p.run(ctx, intervals)
		if p.err != nil {
			logger.Error("producer failed", zap.Error(p.err))
		}
	}()
}

// Stop cancels an in-flight production, unblocking any reader stuck on a
// full queue. The pool calls it when consumers fail, so the producer can
// always be awaited. A no-op once production has finished.
func (p *Producer) Stop() {
	if p.stop != nil {
		p.stop()
	}
}

// Done closes once production has finished, successfully or not.
func (p *Producer) Done() <-chan struct{} { return p.done }

// Err reports the production failure, if any. Valid after Done closes.
func (p *Producer) Err() error { return p.err }

// RecordsProduced returns the running count of enqueued records.
func (p *Producer) RecordsProduced() int64 { return p.records.Load() }

// BytesProduced returns the running count of enqueued estimated bytes.
func (p *Producer) BytesProduced() int64 { return p.bytes.Load() }

func (p *Producer) run(ctx context.Context, intervals []checkpoint.DateRange) error {
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.Readers)

	for _, interval := range intervals {
		interval := interval
		eg.Go(func() error {
			return p.readInterval(egctx, interval)
		})
	}
	return eg.Wait()
}

func (p *Producer) readInterval(ctx context.Context, interval checkpoint.DateRange) error {
	it, err := p.src.Open(ctx, interval)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		b, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.KindData, "source read failed")
		}

		slices, err := b.Split(p.cfg.MaxBatchBytes, p.cfg.MinRowsPerBatch)
		if err != nil {
			return err
		}
		for _, s := range slices {
			if err := p.queue.Put(ctx, s); err != nil {
				return err
			}
			p.records.Add(int64(s.NumRows()))
			p.bytes.Add(s.EstimatedBytes())
			p.met.RecordsProduced.Add(float64(s.NumRows()))
			p.met.QueueBytes.Set(float64(p.queue.Bytes()))
		}
	}
}

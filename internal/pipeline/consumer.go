package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/sink"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// idlePollDelay is how long an empty consumer waits before re-polling
// the queue while the producer is still running.
const idlePollDelay = 10 * time.Millisecond

// Consumer drains the queue through a transformer into its own sink.
// Several consumers run concurrently; each owns its transformer and sink
// instance and they share nothing but the queue.
type Consumer struct {
	id          int
	queue       *batch.Queue
	transformer transform.Transformer
	out         sink.Sink
	producer    *Producer
	tracker     *checkpoint.Tracker
	met         *metrics.Metrics

	records atomic.Int64
	bytes   atomic.Int64

	// committed is how many of records have been reported to the tracker
	// after a durable flush. Only the consumer goroutine touches it.
	committed int64
}

// NewConsumer creates consumer number id. The tracker, when non-nil,
// receives the consumer's record progress after every durable flush so
// the run's heartbeat reflects real progress.
func NewConsumer(id int, queue *batch.Queue, transformer transform.Transformer, out sink.Sink, producer *Producer, tracker *checkpoint.Tracker, met *metrics.Metrics) *Consumer {
	return &Consumer{
		id:          id,
		queue:       queue,
		transformer: transformer,
		out:         out,
		producer:    producer,
		tracker:     tracker,
		met:         met,
	}
}

// RecordsConsumed returns the running count of records handed to the
// transformer. Monotonic; sampled by the pool's scaler.
func (c *Consumer) RecordsConsumed() int64 { return c.records.Load() }

// BytesConsumed returns the running count of estimated batch bytes
// drained from the queue. Monotonic.
func (c *Consumer) BytesConsumed() int64 { return c.bytes.Load() }

// Run drains until the producer is done and the queue is empty, then
// finalizes the sink. An interval with no rows therefore never commits
// an output file: no chunk means no boundary, and Finalize of an empty
// sink is a no-op.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.With(zap.Int("consumer", c.id))
	log.Debug("consumer started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan *batch.RecordBatch)
	stream := c.transformer.Transform(ctx, in)

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- c.feed(ctx, in)
	}()

	consumeErr := c.drainStream(ctx, stream)
	if consumeErr != nil {
		// The transformer has stopped reading; cancel so the feeder and
		// the transformer's own sends unblock before we collect them.
		cancel()
	}

	// The feeder exits once the input channel consumer stops reading or
	// the queue drains; collect its error either way.
	ferr := <-feedErr

	if consumeErr != nil {
		c.out.Close()
		return consumeErr
	}
	if ferr != nil {
		c.out.Close()
		return ferr
	}

	if err := c.out.Finalize(ctx); err != nil {
		c.out.Close()
		return err
	}
	// Statement sinks commit at Finalize rather than at file boundaries;
	// whatever was not yet reported is durable now.
	c.commitProgress()
	log.Debug("consumer finished",
		zap.Int64("records", c.records.Load()),
		zap.Int64("bytes", c.bytes.Load()))
	return c.out.Close()
}

// commitProgress reports records processed since the last durable flush
// to the run's tracker, advancing the heartbeat counter.
func (c *Consumer) commitProgress() {
	if c.tracker == nil {
		return
	}
	total := c.records.Load()
	if delta := total - c.committed; delta > 0 {
		c.tracker.AddRecords(delta)
		c.committed = total
	}
}

// feed polls batches into the transformer until the producer has
// finished and the queue is drained.
func (c *Consumer) feed(ctx context.Context, in chan<- *batch.RecordBatch) error {
	defer close(in)

	for {
		b, ok := c.queue.Poll()
		if ok {
			c.records.Add(int64(b.NumRows()))
			c.bytes.Add(b.EstimatedBytes())
			c.met.RecordsConsumed.Add(float64(b.NumRows()))
			c.met.BytesConsumed.Add(float64(b.EstimatedBytes()))
			c.met.QueueBytes.Set(float64(c.queue.Bytes()))

			select {
			case in <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case <-c.producer.Done():
			// Producer finished; drain whatever is left, then stop.
			if b, ok := c.queue.Poll(); ok {
				c.records.Add(int64(b.NumRows()))
				c.bytes.Add(b.EstimatedBytes())
				c.met.RecordsConsumed.Add(float64(b.NumRows()))
				c.met.BytesConsumed.Add(float64(b.EstimatedBytes()))
				select {
				case in <- b:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idlePollDelay):
		}
	}
}

// drainStream writes chunks to the sink, finalizing a file at every
// boundary.
func (c *Consumer) drainStream(ctx context.Context, stream *transform.Stream) error {
	for chunk := range stream.Chunks {
		if len(chunk.Payload) > 0 || chunk.FileBoundary {
			if err := c.out.ConsumeChunk(ctx, chunk); err != nil {
				return err
			}
		}
		if chunk.FileBoundary {
			if err := c.out.FinalizeFile(ctx); err != nil {
				return err
			}
			c.met.FilesFinalized.Inc()
			c.commitProgress()
		}
	}

	// Chunks closed; a transformer error, if any, is waiting.
	for err := range stream.Errors {
		if err != nil {
			return err
		}
	}
	return nil
}

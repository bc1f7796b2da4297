package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/sink"
	"github.com/ajitpratap0/quasar/pkg/source"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// RunConfig ties one export run together.
type RunConfig struct {
	// RunID tags logs, object keys and load tables.
	RunID string
	// Interval is the requested export interval. Already-done sub-ranges
	// from the restored checkpoint are skipped.
	Interval checkpoint.DateRange
	// QueueBytes caps the batch queue.
	QueueBytes int64
	// Producer bounds batch sizing and reader concurrency.
	Producer ProducerConfig
	// Pool tunes adaptive consumer scaling.
	Pool PoolConfig
	// HeartbeatInterval is how often the checkpoint is persisted while
	// the run progresses. Zero disables mid-run heartbeats.
	HeartbeatInterval time.Duration
}

// TransformerFactory builds one transformer per consumer against the
// source table, so cast and normalization stages can be planned.
// Transformers hold per-file state and are never shared.
type TransformerFactory func(consumer int, table *schema.Table) (transform.Transformer, error)

// Run executes one export: restore checkpoint, read the remaining
// intervals, drain them through the pool, then commit the covered
// ranges.
type Run struct {
	cfg          RunConfig
	src          source.Source
	transformers TransformerFactory
	sinks        sink.Factory
	tracker      *checkpoint.Tracker
	store        checkpoint.Store
	met          *metrics.Metrics
}

// NewRun assembles a run from its collaborators. The tracker carries any
// restored progress; pass a fresh tracker for a first attempt.
func NewRun(cfg RunConfig, src source.Source, transformers TransformerFactory, sinks sink.Factory,
	tracker *checkpoint.Tracker, store checkpoint.Store, met *metrics.Metrics) *Run {
	return &Run{
		cfg:          cfg,
		src:          src,
		transformers: transformers,
		sinks:        sinks,
		tracker:      tracker,
		store:        store,
		met:          met,
	}
}

// Execute runs the export to completion, one remaining interval per
// pipeline pass. Each interval is marked done and checkpointed as soon
// as its consumers have finalized their sinks, so a crash mid-run loses
// at most the interval in flight; consumers additionally report record
// progress to the tracker after every durable flush, which is what the
// heartbeat persists.
func (r *Run) Execute(ctx context.Context) error {
	log := logger.With(zap.String("run_id", r.cfg.RunID))

	remaining := r.tracker.RemainingRanges(r.cfg.Interval)
	if len(remaining) == 0 {
		log.Info("interval already exported, nothing to do")
		return nil
	}

	table, err := r.src.Table(ctx)
	if err != nil {
		return err
	}
	log.Info("starting export", zap.Int("intervals", len(remaining)))

	stopHeartbeat := r.startHeartbeat(ctx, log)
	defer stopHeartbeat()

	// The time budget spans the whole run; later intervals scale against
	// whatever is left of it.
	deadline := time.Now().Add(r.cfg.Pool.Target)

	var records, bytes int64
	for _, interval := range remaining {
		n, b, err := r.exportInterval(ctx, table, interval, deadline)
		if err != nil {
			// Persist what earlier intervals and durable flushes already
			// committed before this attempt failed.
			r.saveCheckpoint(ctx, log)
			return err
		}
		records += n
		bytes += b

		r.tracker.InsertDoneRange(interval, true)
		r.saveCheckpoint(ctx, log)
	}

	log.Info("export complete",
		zap.Int64("records", records),
		zap.Int64("bytes", bytes))
	return nil
}

// exportInterval drains one interval through a fresh producer, queue and
// pool, returning the records and bytes consumed.
func (r *Run) exportInterval(ctx context.Context, table *schema.Table, interval checkpoint.DateRange, deadline time.Time) (int64, int64, error) {
	totalBytes, err := r.src.EstimateBytes(ctx, interval)
	if err != nil {
		return 0, 0, err
	}

	queue := batch.NewQueue(r.cfg.QueueBytes)
	producer := NewProducer(r.cfg.Producer, r.src, queue, r.met)

	factory := func(ctx context.Context, id int) (*Consumer, error) {
		t, err := r.transformers(id, table)
		if err != nil {
			return nil, err
		}
		out, err := r.sinks.Open(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := out.Prepare(ctx, table); err != nil {
			out.Close()
			return nil, err
		}
		return NewConsumer(id, queue, t, out, producer, r.tracker, r.met), nil
	}

	poolCfg := r.cfg.Pool
	poolCfg.Target = time.Until(deadline)
	pool := NewPool(poolCfg, factory, producer, totalBytes, r.met)

	producer.Start(ctx, []checkpoint.DateRange{interval})
	runErr := pool.Run(ctx)
	queue.Close()
	if runErr != nil {
		return 0, 0, runErr
	}
	return pool.RecordsConsumed(), pool.BytesConsumed(), nil
}

func (r *Run) startHeartbeat(ctx context.Context, log *zap.Logger) func() {
	if r.cfg.HeartbeatInterval <= 0 || r.store == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.saveCheckpoint(ctx, log)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stop) }
}

func (r *Run) saveCheckpoint(ctx context.Context, log *zap.Logger) {
	if r.store == nil {
		return
	}
	payload, err := r.tracker.Snapshot()
	if err != nil {
		log.Warn("failed to snapshot checkpoint", zap.Error(err))
		return
	}
	if err := r.store.Save(ctx, payload); err != nil {
		log.Warn("failed to persist checkpoint", zap.Error(err))
	}
}

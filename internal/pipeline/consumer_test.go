package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/checkpoint"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// failingSink rejects every chunk it is handed.
type failingSink struct {
	memSink
}

func (s *failingSink) ConsumeChunk(ctx context.Context, chunk transform.Chunk) error {
	return errors.New(errors.KindData, "destination rejected chunk")
}

// A sink failure must surface while the producer is still mid-stream and
// blocked on a full queue, not wait for the feeder to drain it.
func TestConsumerSurfacesSinkFailureMidStream(t *testing.T) {
	src := newFakeSource(t, 8, 64)
	queue := batch.NewQueue(256)
	producer := NewProducer(ProducerConfig{MaxBatchBytes: 1 << 20}, src, queue, metrics.Nop())
	producer.Start(context.Background(), []checkpoint.DateRange{
		checkpoint.NewRange(day(0), day(1)),
	})
	defer func() {
		producer.Stop()
		<-producer.Done()
	}()

	out := &failingSink{}
	c := NewConsumer(0, queue, rowCountTransformer{}, out, producer, nil, metrics.Nop())

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "destination rejected chunk")
		assert.True(t, out.closed)
		assert.False(t, out.finalized)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer hung after the sink failed")
	}
}

// The pool must stop and await the producer when a consumer fails:
// Err is only valid after Done closes, and an unawaited producer would
// stay blocked on the queue forever.
func TestPoolAwaitsProducerAfterConsumerFailure(t *testing.T) {
	src := newFakeSource(t, 8, 64)
	queue := batch.NewQueue(256)
	producer := NewProducer(ProducerConfig{MaxBatchBytes: 1 << 20}, src, queue, metrics.Nop())

	factory := func(ctx context.Context, id int) (*Consumer, error) {
		return NewConsumer(id, queue, rowCountTransformer{}, &failingSink{}, producer, nil, metrics.Nop()), nil
	}
	cfg := PoolConfig{
		Target:       time.Minute,
		Min:          1,
		Max:          1,
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  time.Minute,
	}
	pool := NewPool(cfg, factory, producer, 1000, metrics.Nop())

	producer.Start(context.Background(), []checkpoint.DateRange{
		checkpoint.NewRange(day(0), day(1)),
	})
	err := pool.Run(context.Background())

	// The consumer's failure comes back, not the cancellation the pool
	// used to stop the producer.
	require.Error(t, err)
	assert.ErrorContains(t, err, "destination rejected chunk")

	select {
	case <-producer.Done():
	default:
		t.Fatal("pool returned while the producer was still running")
	}
}

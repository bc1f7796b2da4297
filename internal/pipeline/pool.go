package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
)

// PoolState is the lifecycle phase of the consumer pool.
type PoolState int32

const (
	PoolIdle PoolState = iota
	PoolRunning
	PoolDraining
	PoolDone
)

func (s PoolState) String() string {
	switch s {
	case PoolIdle:
		return "idle"
	case PoolRunning:
		return "running"
	case PoolDraining:
		return "draining"
	case PoolDone:
		return "done"
	default:
		return "unknown"
	}
}

// PoolConfig tunes the adaptive consumer pool.
type PoolConfig struct {
	// Target is the time budget the pool sizes itself against.
	Target time.Duration
	// Min and Max bound the consumer count.
	Min int
	Max int
	// PollInterval is how often the scaler re-evaluates.
	PollInterval time.Duration
	// TrackingWindow is the sliding window throughput is measured over.
	TrackingWindow time.Duration
	// GracePeriod suppresses scaling decisions early in the run, before
	// throughput samples mean anything.
	GracePeriod time.Duration
}

// ConsumerFactory builds consumer number id with its own transformer and
// sink.
type ConsumerFactory func(ctx context.Context, id int) (*Consumer, error)

// Pool runs between Min and Max consumers and grows the pool when the
// observed throughput will not finish the estimated bytes inside the
// time budget. Shrinking is computed and reported but never acted on: a
// running consumer holds an open output file, and stopping it buys
// nothing once the file must be finalized anyway.
type Pool struct {
	cfg      PoolConfig
	factory  ConsumerFactory
	producer *Producer
	met      *metrics.Metrics

	// totalBytes is the source's size estimate for the whole run.
	totalBytes int64

	mu        sync.Mutex
	state     PoolState
	consumers []*Consumer
	nextID    int
}

// NewPool creates an idle pool.
func NewPool(cfg PoolConfig, factory ConsumerFactory, producer *Producer, totalBytes int64, met *metrics.Metrics) *Pool {
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.TrackingWindow <= 0 {
		cfg.TrackingWindow = 10 * time.Second
	}
	return &Pool{
		cfg:        cfg,
		factory:    factory,
		producer:   producer,
		met:        met,
		totalBytes: totalBytes,
	}
}

// State returns the pool's lifecycle phase.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Size returns the number of consumers ever started.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// BytesConsumed sums the monotonic per-consumer counters.
func (p *Pool) BytesConsumed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, c := range p.consumers {
		total += c.BytesConsumed()
	}
	return total
}

// RecordsConsumed sums the monotonic per-consumer counters.
func (p *Pool) RecordsConsumed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, c := range p.consumers {
		total += c.RecordsConsumed()
	}
	return total
}

// Run starts Min consumers, scales while the run progresses, and blocks
// until every consumer has finished. A producer failure is surfaced only
// after the consumers have drained what was enqueued, so partial
// progress is still committed and checkpointed.
func (p *Pool) Run(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.state = PoolRunning
	p.mu.Unlock()

	if err := p.spawn(egctx, eg, p.cfg.Min); err != nil {
		// Consumers spawned before the failure still drain and exit once
		// the stopped producer's Done closes.
		p.producer.Stop()
		<-p.producer.Done()
		_ = eg.Wait()
		return err
	}

	finished := make(chan error, 1)
	go func() {
		finished <- eg.Wait()
	}()

	start := time.Now()
	window := newRateWindow(p.cfg.TrackingWindow)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	producerDone := p.producer.Done()
	var runErr error
loop:
	for {
		select {
		case runErr = <-finished:
			break loop
		case <-producerDone:
			p.mu.Lock()
			if p.state == PoolRunning {
				p.state = PoolDraining
			}
			p.mu.Unlock()
			// Disarm the case; a nil channel never fires again.
			producerDone = nil
		case now := <-ticker.C:
			p.evaluate(egctx, eg, start, now, window)
		}
	}

	p.mu.Lock()
	p.state = PoolDone
	p.mu.Unlock()
	p.met.LiveConsumers.Set(0)

	// The producer task is always awaited, even when a consumer failed
	// first: Err is only valid after Done closes, and returning while the
	// producer still holds the queue would orphan it.
	p.producer.Stop()
	<-p.producer.Done()

	if runErr != nil {
		return runErr
	}
	return p.producer.Err()
}

// evaluate samples throughput and scales up when needed.
func (p *Pool) evaluate(ctx context.Context, eg *errgroup.Group, start time.Time, now time.Time, window *rateWindow) {
	elapsed := now.Sub(start)
	consumed := p.BytesConsumed()
	window.add(now, consumed)

	if elapsed < p.cfg.GracePeriod {
		return
	}

	p.mu.Lock()
	current := len(p.consumers)
	state := p.state
	p.mu.Unlock()
	if state != PoolRunning {
		return
	}

	var delta int
	if elapsed >= p.cfg.Target {
		// Past budget: everything we are allowed to run.
		delta = p.cfg.Max - current
	} else {
		perConsumer := window.rate() / float64(current)
		delta = deltaForRate(perConsumer,
			float64(p.totalBytes-consumed), p.cfg.Target-elapsed,
			current, p.cfg.Min, p.cfg.Max)
	}

	p.met.ConsumerDelta.Set(float64(delta))
	if delta <= 0 {
		// Shrink is observed, not enforced.
		return
	}

	logger.Info("scaling consumer pool",
		zap.Int("current", current),
		zap.Int("delta", delta),
		zap.Duration("elapsed", elapsed),
		zap.Int64("bytes_consumed", consumed),
		zap.Int64("bytes_total", p.totalBytes))
	if err := p.spawn(ctx, eg, delta); err != nil {
		logger.Error("failed to scale pool", zap.Error(err))
	}
}

// spawn starts n more consumers.
func (p *Pool) spawn(ctx context.Context, eg *errgroup.Group, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < n && len(p.consumers) < p.cfg.Max; i++ {
		c, err := p.factory(ctx, p.nextID)
		if err != nil {
			return err
		}
		p.nextID++
		p.consumers = append(p.consumers, c)
		eg.Go(func() error {
			return c.Run(ctx)
		})
	}
	p.met.LiveConsumers.Set(float64(len(p.consumers)))
	return nil
}

// EstimateDelta is the pool's sizing rule in pure form. Given the time
// budget, the elapsed time, the estimated total bytes, the bytes
// consumed so far and the current pool size, it returns how many
// consumers to add (positive) or how many are surplus (negative). Past
// the budget it always returns the headroom to Max.
func EstimateDelta(target, elapsed time.Duration, totalBytes, consumedBytes int64, consumers, min, max int) int {
	if consumers <= 0 {
		consumers = 1
	}
	if elapsed >= target {
		return max - consumers
	}
	perConsumer := float64(consumedBytes) / elapsed.Seconds() / float64(consumers)
	return deltaForRate(perConsumer, float64(totalBytes-consumedBytes), target-elapsed, consumers, min, max)
}

// deltaForRate computes the pool size needed to move bytesLeft within
// timeLeft at perConsumer bytes/sec each, clamped to [min, max].
func deltaForRate(perConsumer, bytesLeft float64, timeLeft time.Duration, consumers, min, max int) int {
	if perConsumer <= 0 || timeLeft <= 0 {
		return 0
	}
	if bytesLeft < 0 {
		bytesLeft = 0
	}
	required := bytesLeft / timeLeft.Seconds()
	needed := int(math.Ceil(required / perConsumer))
	if needed < min {
		needed = min
	}
	if needed > max {
		needed = max
	}
	return needed - consumers
}

// rateWindow measures throughput over a sliding window of cumulative
// byte samples.
type rateWindow struct {
	span    time.Duration
	samples []rateSample
}

type rateSample struct {
	at    time.Time
	bytes int64
}

func newRateWindow(span time.Duration) *rateWindow {
	return &rateWindow{span: span}
}

func (w *rateWindow) add(at time.Time, bytes int64) {
	w.samples = append(w.samples, rateSample{at: at, bytes: bytes})
	cutoff := at.Add(-w.span)
	i := 0
	for i < len(w.samples)-1 && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

// rate returns bytes/sec over the window, or 0 with fewer than two
// samples.
func (w *rateWindow) rate() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	first, last := w.samples[0], w.samples[len(w.samples)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / dt
}

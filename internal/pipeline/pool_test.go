package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimateDelta(t *testing.T) {
	t.Run("behind schedule adds a consumer", func(t *testing.T) {
		// One consumer moved 100 of 2100 bytes in 1s with 10s left: two
		// consumers are needed to land inside the budget.
		delta := EstimateDelta(11*time.Second, time.Second, 2100, 100, 1, 1, 3)
		assert.Equal(t, 1, delta)
	})

	t.Run("ahead of schedule reports surplus", func(t *testing.T) {
		// Three consumers moved 1500 of 2500 bytes in 1s; one could finish
		// the rest, but the floor of two makes the surplus exactly one.
		delta := EstimateDelta(3*time.Second, time.Second, 2500, 1500, 3, 2, 4)
		assert.Equal(t, -1, delta)
	})

	t.Run("past the budget scales to max", func(t *testing.T) {
		delta := EstimateDelta(time.Second, 2*time.Second, 1000, 10, 1, 1, 5)
		assert.Equal(t, 4, delta)
	})

	t.Run("needed count clamps to max", func(t *testing.T) {
		// Requires far more consumers than allowed.
		delta := EstimateDelta(10*time.Second, time.Second, 1_000_000, 10, 1, 1, 3)
		assert.Equal(t, 2, delta)
	})

	t.Run("no observed throughput yields no decision", func(t *testing.T) {
		delta := EstimateDelta(10*time.Second, time.Second, 1000, 0, 1, 1, 3)
		assert.Equal(t, 0, delta)
	})

	t.Run("everything consumed needs only the floor", func(t *testing.T) {
		delta := EstimateDelta(10*time.Second, time.Second, 1000, 1000, 3, 1, 4)
		assert.Equal(t, -2, delta)
	})
}

func TestRateWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("needs two samples", func(t *testing.T) {
		w := newRateWindow(10 * time.Second)
		w.add(base, 0)
		assert.Zero(t, w.rate())
	})

	t.Run("rate over the window", func(t *testing.T) {
		w := newRateWindow(10 * time.Second)
		w.add(base, 0)
		w.add(base.Add(2*time.Second), 200)
		assert.InDelta(t, 100, w.rate(), 0.001)
	})

	t.Run("old samples fall out of the window", func(t *testing.T) {
		w := newRateWindow(5 * time.Second)
		w.add(base, 0)
		w.add(base.Add(10*time.Second), 1000)
		w.add(base.Add(12*time.Second), 1400)

		// The first sample is outside the 5s window; the rate covers the
		// last two samples only.
		assert.InDelta(t, 200, w.rate(), 0.001)
	})
}

func TestPoolStateString(t *testing.T) {
	assert.Equal(t, "idle", PoolIdle.String())
	assert.Equal(t, "running", PoolRunning.String())
	assert.Equal(t, "draining", PoolDraining.String())
	assert.Equal(t, "done", PoolDone.String())
}

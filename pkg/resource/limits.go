// Package resource provides the explicit resource limits shared across a
// run. A Limits object is constructed once in the entrypoint and passed
// by reference into every client that needs it; there are no package
// level singletons.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limits caps the concurrency of the run's two contended resources:
// outbound destination connections and CPU-heavy encode tasks.
type Limits struct {
	connections *semaphore.Weighted
	encoders    *semaphore.Weighted
}

// NewLimits creates limits with the given caps. Non-positive caps are
// treated as 1.
func NewLimits(maxConnections, maxEncoders int) *Limits {
	if maxConnections <= 0 {
		maxConnections = 1
	}
	if maxEncoders <= 0 {
		maxEncoders = 1
	}
	return &Limits{
		connections: semaphore.NewWeighted(int64(maxConnections)),
		encoders:    semaphore.NewWeighted(int64(maxEncoders)),
	}
}

// AcquireConnection blocks until a destination connection slot is free.
func (l *Limits) AcquireConnection(ctx context.Context) error {
	return l.connections.Acquire(ctx, 1)
}

// ReleaseConnection returns a connection slot.
func (l *Limits) ReleaseConnection() {
	l.connections.Release(1)
}

// AcquireEncoder blocks until an encode worker slot is free. This is the
// cap on in-flight CPU-bound batch encodes, which keeps transformer
// memory bounded.
func (l *Limits) AcquireEncoder(ctx context.Context) error {
	return l.encoders.Acquire(ctx, 1)
}

// ReleaseEncoder returns an encode slot.
func (l *Limits) ReleaseEncoder() {
	l.encoders.Release(1)
}

// Package sink provides the downstream ends of an export: writers that
// receive formatted chunks from consumers and commit them durably. A
// sink instance belongs to exactly one consumer; the factory stamps each
// instance with the consumer's identity so concurrently written objects
// never collide.
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// Sink receives formatted chunks and commits them.
type Sink interface {
	// Prepare runs once before any chunk arrives: create or validate the
	// destination table or path layout.
	Prepare(ctx context.Context, table *schema.Table) error
	// ConsumeChunk appends the chunk's payload to the current open unit.
	ConsumeChunk(ctx context.Context, chunk transform.Chunk) error
	// FinalizeFile durably commits the current unit and starts a new one.
	// Called only after at least one chunk was consumed into the unit.
	FinalizeFile(ctx context.Context) error
	// Finalize commits the run: final loads, manifest writes. Called once
	// after the last FinalizeFile.
	Finalize(ctx context.Context) error
	Close() error
}

// Factory opens one sink per consumer.
type Factory interface {
	Open(ctx context.Context, consumer int) (Sink, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, consumer int) (Sink, error)

// Open implements Factory.
func (f FactoryFunc) Open(ctx context.Context, consumer int) (Sink, error) {
	return f(ctx, consumer)
}

// ObjectNamer generates collision-free object keys for file sinks. Keys
// embed the run ID and consumer so parallel writers and retried runs
// never overwrite each other.
type ObjectNamer struct {
	Prefix    string
	Table     string
	RunID     string
	Consumer  int
	Extension string

	seq int
}

// Next returns the key for the next finalized file.
func (n *ObjectNamer) Next() string {
	n.seq++
	parts := []string{}
	if n.Prefix != "" {
		parts = append(parts, strings.TrimSuffix(n.Prefix, "/"))
	}
	parts = append(parts, n.Table, n.RunID)
	name := fmt.Sprintf("%s-%04d-%05d%s",
		time.Now().UTC().Format("20060102T150405"), n.Consumer, n.seq, n.Extension)
	return strings.Join(append(parts, name), "/")
}

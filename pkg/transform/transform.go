// Package transform converts streams of record batches into streams of
// destination-format byte chunks. A transformer is the polymorphic stage
// between the batch queue and a sink: line-delimited JSON, columnar
// Parquet, delimited text and SQL statement generation all share one
// contract, and non-terminal batch stages (casting, normalization)
// compose with a terminal transformer into a pipeline.
package transform

import (
	"context"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/batch"
)

// Chunk is a unit of already-formatted destination bytes. FileBoundary
// signals that the sink must finalize the current output file or object
// and start a new one; it is how max-file-size splitting crosses the
// transformer/sink boundary.
type Chunk struct {
	Payload      []byte
	FileBoundary bool
}

// Stream is the output side of a transformer: chunks plus a single
// terminal error. Chunks is closed when the input is exhausted or an
// error occurred; Errors carries at most one value.
type Stream struct {
	Chunks <-chan Chunk
	Errors <-chan error
}

// Transformer converts an asynchronous stream of record batches into an
// asynchronous stream of chunks. Implementations own their internal
// buffering and must emit a final file boundary for any open file when
// the input channel closes.
type Transformer interface {
	Transform(ctx context.Context, in <-chan *batch.RecordBatch) *Stream
}

// Stage is a non-terminal record-batch to record-batch transformation,
// such as type casting or column normalization.
type Stage interface {
	Apply(ctx context.Context, b *batch.RecordBatch) (*batch.RecordBatch, error)
}

// Pipeline composes zero or more stages with one terminal transformer.
type Pipeline struct {
	stages   []Stage
	terminal Transformer
}

// NewPipeline builds a pipeline. The terminal transformer is required.
func NewPipeline(terminal Transformer, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, terminal: terminal}
}

// Transform runs every batch through the stages in order, then hands the
// result to the terminal transformer.
func (p *Pipeline) Transform(ctx context.Context, in <-chan *batch.RecordBatch) *Stream {
	if len(p.stages) == 0 {
		return p.terminal.Transform(ctx, in)
	}

	staged := make(chan *batch.RecordBatch)
	stageErrs := make(chan error, 1)
	out := p.terminal.Transform(ctx, staged)

	go func() {
		defer close(staged)
		defer close(stageErrs)
		for b := range in {
			for _, stage := range p.stages {
				var err error
				b, err = stage.Apply(ctx, b)
				if err != nil {
					stageErrs <- err
					return
				}
			}
			select {
			case staged <- b:
			case <-ctx.Done():
				stageErrs <- ctx.Err()
				return
			}
		}
	}()

	return mergeErrors(out, stageErrs)
}

// mergeErrors fans the terminal stream's errors and a stage error channel
// into one stream. Both inputs carry at most one error and are closed by
// their owners.
func mergeErrors(s *Stream, extra <-chan error) *Stream {
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	forward := func(c <-chan error) {
		defer wg.Done()
		for err := range c {
			if err != nil {
				errs <- err
			}
		}
	}
	wg.Add(2)
	go forward(s.Errors)
	go forward(extra)
	go func() {
		wg.Wait()
		close(errs)
	}()
	return &Stream{Chunks: s.Chunks, Errors: errs}
}

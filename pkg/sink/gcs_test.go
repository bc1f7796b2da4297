package sink

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/resource"
	"github.com/ajitpratap0/quasar/pkg/transform"
)

// fakeObjectWriter mimics the storage writer's commit contract: closing
// commits the object unless the writer's context was cancelled first.
type fakeObjectWriter struct {
	ctx       context.Context
	name      string
	buf       bytes.Buffer
	committed bool
	aborted   bool
}

func (w *fakeObjectWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeObjectWriter) Close() error {
	if w.ctx.Err() != nil {
		w.aborted = true
		return w.ctx.Err()
	}
	w.committed = true
	return nil
}

func newTestGCSSink(opened *[]*fakeObjectWriter) *GCSSink {
	g := &GCSSink{
		cfg:   GCSConfig{Bucket: "exports", Limits: resource.NewLimits(2, 2)},
		namer: ObjectNamer{Table: "events", RunID: "run-1", Extension: ".jsonl"},
	}
	g.open = func(ctx context.Context, name string) io.WriteCloser {
		w := &fakeObjectWriter{ctx: ctx, name: name}
		*opened = append(*opened, w)
		return w
	}
	return g
}

func TestGCSFinalizeFileCommitsObject(t *testing.T) {
	var opened []*fakeObjectWriter
	g := newTestGCSSink(&opened)
	ctx := context.Background()

	require.NoError(t, g.ConsumeChunk(ctx, transform.Chunk{Payload: []byte("hello ")}))
	require.NoError(t, g.ConsumeChunk(ctx, transform.Chunk{Payload: []byte("world")}))
	require.NoError(t, g.FinalizeFile(ctx))
	require.NoError(t, g.Close())

	require.Len(t, opened, 1)
	assert.True(t, opened[0].committed)
	assert.False(t, opened[0].aborted)
	assert.Equal(t, "hello world", opened[0].buf.String())
}

func TestGCSCloseAbandonsPartialObject(t *testing.T) {
	var opened []*fakeObjectWriter
	g := newTestGCSSink(&opened)
	ctx := context.Background()

	require.NoError(t, g.ConsumeChunk(ctx, transform.Chunk{Payload: []byte("partial")}))
	require.NoError(t, g.Close())

	// A writer abandoned mid-file aborts its upload; a truncated object
	// must never become visible.
	require.Len(t, opened, 1)
	assert.True(t, opened[0].aborted)
	assert.False(t, opened[0].committed)
}

func TestGCSRotatesObjectPerBoundary(t *testing.T) {
	var opened []*fakeObjectWriter
	g := newTestGCSSink(&opened)
	ctx := context.Background()

	require.NoError(t, g.ConsumeChunk(ctx, transform.Chunk{Payload: []byte("a")}))
	require.NoError(t, g.FinalizeFile(ctx))
	require.NoError(t, g.ConsumeChunk(ctx, transform.Chunk{Payload: []byte("b")}))
	require.NoError(t, g.FinalizeFile(ctx))
	require.NoError(t, g.Close())

	require.Len(t, opened, 2)
	assert.NotEqual(t, opened[0].name, opened[1].name)
	assert.True(t, opened[0].committed)
	assert.True(t, opened[1].committed)
}

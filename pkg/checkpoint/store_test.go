package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "run.checkpoint"))
	ctx := context.Background()

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save(ctx, []byte(`{"records_completed":5}`)))

	payload, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"records_completed":5}`, string(payload))
}

func TestFileStoreReplaces(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "run.checkpoint"))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, []byte("first")))
	require.NoError(t, store.Save(ctx, []byte("second")))

	payload, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", string(payload))
}

func TestFileStoreSurvivesTrackerSnapshot(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "run.checkpoint"))
	ctx := context.Background()

	tr := NewTracker()
	tr.InsertDoneRange(NewRange(day(0), day(2)), true)
	tr.AddRecords(42)

	payload, err := tr.Snapshot()
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, payload))

	loaded, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)

	restored, err := Restore(loaded)
	require.NoError(t, err)
	assert.Equal(t, int64(42), restored.RecordsCompleted())
	assert.Empty(t, restored.RemainingRanges(NewRange(day(0), day(2))))
}

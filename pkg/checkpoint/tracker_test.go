package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// day returns a fixed base day plus n days, for readable range literals.
func day(n int) time.Time {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, n)
}

func ranges(pairs ...[2]int) []DateRange {
	out := make([]DateRange, len(pairs))
	for i, p := range pairs {
		out[i] = NewRange(day(p[0]), day(p[1]))
	}
	return out
}

func TestTrackerMergeDoneRanges(t *testing.T) {
	t.Run("adjacent and overlapping ranges coalesce", func(t *testing.T) {
		tr := NewTracker()
		for _, r := range ranges([2]int{0, 5}, [2]int{5, 10}, [2]int{11, 12}) {
			tr.InsertDoneRange(r, false)
		}
		tr.MergeDoneRanges()

		got := tr.DoneRanges()
		require.Len(t, got, 2)
		assert.Equal(t, day(0), *got[0].Start)
		assert.Equal(t, day(10), got[0].End)
		assert.Equal(t, day(11), *got[1].Start)
		assert.Equal(t, day(12), got[1].End)
	})

	t.Run("disjoint ranges stay separate", func(t *testing.T) {
		tr := NewTracker()
		for _, r := range ranges([2]int{0, 5}, [2]int{6, 10}) {
			tr.InsertDoneRange(r, false)
		}
		tr.MergeDoneRanges()
		assert.Len(t, tr.DoneRanges(), 2)
	})

	t.Run("contained range is absorbed", func(t *testing.T) {
		tr := NewTracker()
		for _, r := range ranges([2]int{0, 10}, [2]int{2, 4}) {
			tr.InsertDoneRange(r, false)
		}
		tr.MergeDoneRanges()

		got := tr.DoneRanges()
		require.Len(t, got, 1)
		assert.Equal(t, day(10), got[0].End)
	})

	t.Run("unbounded start sorts first and absorbs", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(1), day(3)), false)
		tr.InsertDoneRange(Unbounded(day(2)), false)
		tr.MergeDoneRanges()

		got := tr.DoneRanges()
		require.Len(t, got, 1)
		assert.Nil(t, got[0].Start)
		assert.Equal(t, day(3), got[0].End)
	})
}

func TestTrackerInsertDoneRange(t *testing.T) {
	t.Run("insertion index reflects sort order", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(0), day(5)), false)
		tr.InsertDoneRange(NewRange(day(6), day(10)), false)

		idx := tr.InsertDoneRange(NewRange(day(5), day(6)), false)
		assert.Equal(t, 1, idx)
		assert.Len(t, tr.DoneRanges(), 3)
	})

	t.Run("insert with merge coalesces immediately", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(0), day(5)), true)
		tr.InsertDoneRange(NewRange(day(6), day(10)), true)
		tr.InsertDoneRange(NewRange(day(5), day(6)), true)

		got := tr.DoneRanges()
		require.Len(t, got, 1)
		assert.Equal(t, day(0), *got[0].Start)
		assert.Equal(t, day(10), got[0].End)
	})
}

func TestTrackerResumePoint(t *testing.T) {
	requested := NewRange(day(0), day(30))

	t.Run("fresh tracker resumes from requested start", func(t *testing.T) {
		tr := NewTracker()
		got, ok := tr.ResumePoint(requested)
		require.True(t, ok)
		assert.Equal(t, day(0), *got.Start)
		assert.Equal(t, day(30), got.End)
	})

	t.Run("gap between done ranges is returned first", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(0), day(10)), true)
		tr.InsertDoneRange(NewRange(day(15), day(20)), true)

		got, ok := tr.ResumePoint(requested)
		require.True(t, ok)
		assert.Equal(t, day(10), *got.Start)
		assert.Equal(t, day(15), got.End)
	})

	t.Run("fully covered interval has no resume point", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(0), day(30)), true)

		_, ok := tr.ResumePoint(requested)
		assert.False(t, ok)
	})

	t.Run("unbounded request starts nil", func(t *testing.T) {
		tr := NewTracker()
		got, ok := tr.ResumePoint(Unbounded(day(30)))
		require.True(t, ok)
		assert.Nil(t, got.Start)
		assert.Equal(t, day(30), got.End)
	})

	t.Run("unbounded done range advances the cursor", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(Unbounded(day(10)), true)

		got, ok := tr.ResumePoint(Unbounded(day(30)))
		require.True(t, ok)
		require.NotNil(t, got.Start)
		assert.Equal(t, day(10), *got.Start)
		assert.Equal(t, day(30), got.End)
	})
}

func TestTrackerRemainingRanges(t *testing.T) {
	requested := NewRange(day(0), day(30))

	t.Run("enumerates every gap in order", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(5), day(10)), true)
		tr.InsertDoneRange(NewRange(day(20), day(25)), true)

		got := tr.RemainingRanges(requested)
		require.Len(t, got, 3)
		assert.Equal(t, day(0), *got[0].Start)
		assert.Equal(t, day(5), got[0].End)
		assert.Equal(t, day(10), *got[1].Start)
		assert.Equal(t, day(20), got[1].End)
		assert.Equal(t, day(25), *got[2].Start)
		assert.Equal(t, day(30), got[2].End)
	})

	t.Run("covered interval yields nothing", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(0), day(30)), true)
		assert.Empty(t, tr.RemainingRanges(requested))
	})

	t.Run("done ranges outside the interval are ignored", func(t *testing.T) {
		tr := NewTracker()
		tr.InsertDoneRange(NewRange(day(40), day(50)), true)

		got := tr.RemainingRanges(requested)
		require.Len(t, got, 1)
		assert.Equal(t, day(0), *got[0].Start)
		assert.Equal(t, day(30), got[0].End)
	})
}

func TestTrackerSnapshotRestore(t *testing.T) {
	tr := NewTracker()
	tr.InsertDoneRange(NewRange(day(0), day(10)), true)
	tr.InsertDoneRange(Unbounded(day(0)), true)
	tr.AddRecords(12345)

	data, err := tr.Snapshot()
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), restored.RecordsCompleted())

	got := restored.DoneRanges()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Start)
	assert.Equal(t, day(10), got[0].End)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	_, err := Restore([]byte("not json"))
	assert.Error(t, err)
}

func TestTrackerRecordsMonotonic(t *testing.T) {
	tr := NewTracker()
	tr.AddRecords(10)
	tr.AddRecords(5)
	assert.Equal(t, int64(15), tr.RecordsCompleted())
}

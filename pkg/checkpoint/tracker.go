// Package checkpoint implements the resumable range tracker. A tracker
// records which sub-intervals of the requested export interval have been
// durably committed, so a restarted run can compute the remaining work
// instead of redoing completed ranges or losing progress.
package checkpoint

import (
	"sort"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// DateRange is a half-open portion [Start, End) of the export interval.
// A nil Start means "from the beginning of time" and is used for
// unbounded backfills.
type DateRange struct {
	Start *time.Time `json:"start"`
	End   time.Time  `json:"end"`
}

// NewRange builds a bounded range.
func NewRange(start, end time.Time) DateRange {
	return DateRange{Start: &start, End: end}
}

// Unbounded builds a range open at the start.
func Unbounded(end time.Time) DateRange {
	return DateRange{End: end}
}

// startsBefore orders ranges by start, with a nil start sorting first.
func (r DateRange) startsBefore(other DateRange) bool {
	if r.Start == nil {
		return other.Start != nil
	}
	if other.Start == nil {
		return false
	}
	return r.Start.Before(*other.Start)
}

// Contains reports whether the range fully covers other.
func (r DateRange) Contains(other DateRange) bool {
	if other.End.After(r.End) {
		return false
	}
	if r.Start == nil {
		return true
	}
	return other.Start != nil && !other.Start.Before(*r.Start)
}

// Tracker is the heartbeat state of a run: the ordered, non-overlapping
// done ranges plus a monotonically increasing records counter. It is
// created at the start of a run (or restored from a prior payload),
// mutated after every durable flush, and discarded when the run ends.
//
// Safe for concurrent use by multiple consumers.
type Tracker struct {
	mu               sync.Mutex
	doneRanges       []DateRange
	recordsCompleted int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// InsertDoneRange inserts r preserving sort order by start time. When
// merge is true adjacent and overlapping ranges are coalesced immediately.
// Returns the index at which the range was inserted.
func (t *Tracker) InsertDoneRange(r DateRange, merge bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := sort.Search(len(t.doneRanges), func(i int) bool {
		return r.startsBefore(t.doneRanges[i])
	})

	t.doneRanges = append(t.doneRanges, DateRange{})
	copy(t.doneRanges[idx+1:], t.doneRanges[idx:])
	t.doneRanges[idx] = r

	if merge {
		t.mergeLocked()
	}
	return idx
}

// MergeDoneRanges coalesces any two ranges where one's end reaches (or
// exceeds) the next's start, producing the minimal equivalent set.
func (t *Tracker) MergeDoneRanges() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mergeLocked()
}

func (t *Tracker) mergeLocked() {
	if len(t.doneRanges) < 2 {
		return
	}

	merged := t.doneRanges[:1]
	for _, r := range t.doneRanges[1:] {
		last := &merged[len(merged)-1]
		// Adjacent or overlapping: the previous end reaches this start.
		if r.Start == nil || !last.End.Before(*r.Start) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	t.doneRanges = merged
}

// DoneRanges returns a copy of the committed ranges.
func (t *Tracker) DoneRanges() []DateRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DateRange, len(t.doneRanges))
	copy(out, t.doneRanges)
	return out
}

// AddRecords bumps the monotonically increasing completed-records counter.
func (t *Tracker) AddRecords(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordsCompleted += n
}

// RecordsCompleted returns the counter value.
func (t *Tracker) RecordsCompleted() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordsCompleted
}

// ResumePoint derives the next sub-range of requested to process by
// scanning gaps between consecutive done ranges from the beginning. The
// second return value is false when the requested interval is fully
// covered — re-running a done range is a no-op.
func (t *Tracker) ResumePoint(requested DateRange) (DateRange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mergeLocked()

	cursor := requested.Start // nil for unbounded backfills

	for _, done := range t.doneRanges {
		// The done range starts after the cursor: the gap in between is
		// the next range to process.
		if done.Start != nil && (cursor == nil || cursor.Before(*done.Start)) {
			end := done.Start
			if end.After(requested.End) {
				return DateRange{Start: cursor, End: requested.End}, true
			}
			return DateRange{Start: cursor, End: *end}, true
		}
		// Advance past the done range.
		if cursor == nil || cursor.Before(done.End) {
			c := done.End
			cursor = &c
		}
	}

	if cursor != nil && !cursor.Before(requested.End) {
		return DateRange{}, false
	}
	return DateRange{Start: cursor, End: requested.End}, true
}

// RemainingRanges enumerates every uncovered gap of requested, in order.
// An empty result means the interval is fully exported.
func (t *Tracker) RemainingRanges(requested DateRange) []DateRange {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mergeLocked()

	var out []DateRange
	cursor := requested.Start

	advance := func(end time.Time) {
		c := end
		cursor = &c
	}

	for _, done := range t.doneRanges {
		if done.Start != nil && (cursor == nil || cursor.Before(*done.Start)) {
			end := *done.Start
			if end.After(requested.End) {
				end = requested.End
			}
			out = append(out, DateRange{Start: cursor, End: end})
		}
		if cursor == nil || cursor.Before(done.End) {
			advance(done.End)
		}
		if cursor != nil && !cursor.Before(requested.End) {
			return out
		}
	}

	if cursor == nil || cursor.Before(requested.End) {
		out = append(out, DateRange{Start: cursor, End: requested.End})
	}
	return out
}

// Payload is the opaque checkpoint persisted by the host orchestration
// layer's heartbeat and read back on resume.
type Payload struct {
	DoneRanges       []DateRange `json:"done_ranges"`
	RecordsCompleted int64       `json:"records_completed"`
}

// Snapshot serializes the tracker state for heartbeating.
func (t *Tracker) Snapshot() ([]byte, error) {
	t.mu.Lock()
	payload := Payload{
		DoneRanges:       append([]DateRange{}, t.doneRanges...),
		RecordsCompleted: t.recordsCompleted,
	}
	t.mu.Unlock()

	data, err := gojson.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to marshal checkpoint")
	}
	return data, nil
}

// Restore rebuilds a tracker from a heartbeat payload.
func Restore(data []byte) (*Tracker, error) {
	var payload Payload
	if err := gojson.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, errors.KindData, "failed to parse checkpoint payload")
	}

	t := NewTracker()
	t.doneRanges = payload.DoneRanges
	t.recordsCompleted = payload.RecordsCompleted
	t.MergeDoneRanges()
	return t, nil
}

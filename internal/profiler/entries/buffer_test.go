package entries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseprof/baseprof/internal/profiler/ringbuf"
)

func newTestBuffer(t *testing.T, capBytes uint32) *ProfileBuffer {
	t.Helper()
	return New(ringbuf.NewSynchronized(capBytes))
}

func readAll(pb *ProfileBuffer) []Entry {
	var out []Entry
	pb.ReadEach(func(_ Position, e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func addSample(t *testing.T, pb *ProfileBuffer, tid uint64, timeMs float64, labels ...string) Position {
	t.Helper()
	pos := pb.AddThreadIDEntry(tid)
	require.NotZero(t, pos)
	require.NotZero(t, pb.AddEntry(Time(timeMs)))
	for _, l := range labels {
		require.NotZero(t, pb.AddEntry(LabelEntry(LabelFrame{Label: l})))
	}
	return pos
}

func TestAddEntryPositions(t *testing.T) {
	pb := newTestBuffer(t, 4096)
	p1 := pb.AddThreadIDEntry(1)
	p2 := pb.AddEntry(Time(5))
	require.NotZero(t, p1)
	require.Greater(t, p2, p1)

	assert.Equal(t, p1, pb.BufferRangeStart())
	assert.Greater(t, pb.BufferRangeEnd(), p2)
}

func TestAddEntryInactiveRing(t *testing.T) {
	pb := New(ringbuf.NewSynchronizedInactive())
	assert.Zero(t, pb.AddThreadIDEntry(1))
	assert.Zero(t, pb.AddEntry(Time(1)))
}

func TestDiscardSamplesBeforeTime(t *testing.T) {
	pb := newTestBuffer(t, 4096)
	addSample(t, pb, 1, 10, "a")
	addSample(t, pb, 1, 20, "b")
	keep := addSample(t, pb, 1, 30, "c")
	addSample(t, pb, 1, 40, "d")

	pb.DiscardSamplesBeforeTime(30)

	assert.Equal(t, keep, pb.BufferRangeStart())
	got := readAll(pb)
	require.Len(t, got, 6)
	assert.Equal(t, KindThreadID, got[0].Kind)
	assert.Equal(t, 30.0, got[1].Float64())
}

func TestDiscardSamplesBeforeTimeNoMatch(t *testing.T) {
	pb := newTestBuffer(t, 4096)
	addSample(t, pb, 1, 10)
	before := pb.BufferRangeStart()
	pb.DiscardSamplesBeforeTime(100)
	assert.Equal(t, before, pb.BufferRangeStart())
}

func TestDuplicateLastSample(t *testing.T) {
	pb := newTestBuffer(t, 4096)
	anchor := addSample(t, pb, 7, 10, "work", "inner")
	addSample(t, pb, 8, 11, "other")

	newAnchor, ok := pb.DuplicateLastSample(7, anchor, 55)
	require.True(t, ok)
	require.Greater(t, newAnchor, anchor)

	got := readAll(pb)
	// Original two samples (4 + 3 entries) plus the duplicate (4 entries).
	require.Len(t, got, 11)
	dup := got[7:]
	assert.Equal(t, KindThreadID, dup[0].Kind)
	assert.Equal(t, uint64(7), dup[0].Uint64())
	assert.Equal(t, 55.0, dup[1].Float64())
	assert.Equal(t, "work", dup[2].Label.Label)
	assert.Equal(t, "inner", dup[3].Label.Label)
}

func TestDuplicateLastSampleWrongThread(t *testing.T) {
	pb := newTestBuffer(t, 4096)
	anchor := addSample(t, pb, 7, 10)
	_, ok := pb.DuplicateLastSample(8, anchor, 20)
	assert.False(t, ok)
}

func TestDuplicateLastSampleEvicted(t *testing.T) {
	pb := newTestBuffer(t, 256)
	anchor := addSample(t, pb, 7, 10, "gone")
	// Push the first sample out of the window.
	for i := 0; i < 64; i++ {
		addSample(t, pb, 9, float64(20+i), "fill-fill-fill")
	}
	require.Less(t, anchor, pb.BufferRangeStart())

	_, ok := pb.DuplicateLastSample(7, anchor, 99)
	assert.False(t, ok)

	_, ok = pb.DuplicateLastSample(7, 0, 99)
	assert.False(t, ok)
}

func TestDuplicateStopsAtSampleBoundary(t *testing.T) {
	pb := newTestBuffer(t, 4096)
	anchor := addSample(t, pb, 7, 10, "a")
	pb.AddEntry(CounterID(1))
	pb.AddEntry(Count(5))

	newAnchor, ok := pb.DuplicateLastSample(7, anchor, 50)
	require.True(t, ok)

	var dup []Entry
	require.NoError(t, pb.Ring().ReadFrom(newAnchor, func(_ ringbuf.BlockIndex, body []byte) bool {
		e, err := Decode(body)
		require.NoError(t, err)
		dup = append(dup, e)
		return true
	}))
	require.Len(t, dup, 3)
	for _, e := range dup {
		assert.NotEqual(t, KindCounterID, e.Kind)
		assert.NotEqual(t, KindCount, e.Kind)
	}
}

func TestCollectOverheadStats(t *testing.T) {
	pb := newTestBuffer(t, 4096)
	pb.CollectOverheadStats(1000, 0.1, 0.2, 0.3, 0.4)
	pb.CollectOverheadStats(1010, 0.2, 0.2, 0.3, 0.3)
	pb.CollectOverheadStats(1021, 0.3, 0.2, 0.3, 0.2)

	o := pb.Overhead()
	assert.Equal(t, uint64(3), o.SamplingCount)
	// Two inter-iteration gaps: 10 and 11.
	assert.Equal(t, uint64(2), o.Intervals.N)
	assert.Equal(t, 10.0, o.Intervals.Min)
	assert.Equal(t, 11.0, o.Intervals.Max)
	assert.InDelta(t, 10.5, o.Intervals.Mean(), 1e-9)
	assert.InDelta(t, 1.0, o.Overheads.Max, 1e-9)
	assert.Equal(t, 0.1, o.Lockings.Min)

	var recs int
	pb.ReadEach(func(_ Position, e Entry) bool {
		if e.Kind == KindOverhead {
			recs++
		}
		return true
	})
	assert.Equal(t, 3, recs)
}

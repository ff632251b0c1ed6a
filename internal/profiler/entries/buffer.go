package entries

import (
	"github.com/baseprof/baseprof/internal/profiler/ringbuf"
)

// Position locates an entry in a ProfileBuffer. It is the block index of the
// entry in the underlying ring buffer; 0 means "no position".
type Position = ringbuf.BlockIndex

// ProfileBuffer is a typed facade over a BlocksRingBuffer: every block is one
// encoded Entry. Synchronization is whatever the underlying ring provides.
type ProfileBuffer struct {
	ring *ringbuf.BlocksRingBuffer

	overhead OverheadStats
}

// New wraps ring. The ring's synchronization mode carries over unchanged.
func New(ring *ringbuf.BlocksRingBuffer) *ProfileBuffer {
	return &ProfileBuffer{ring: ring}
}

// Ring exposes the underlying buffer, for bulk append and teardown.
func (pb *ProfileBuffer) Ring() *ringbuf.BlocksRingBuffer { return pb.ring }

// AddEntry appends one entry and returns its position, or 0 when the entry
// could not be stored (buffer inactive or entry larger than capacity).
func (pb *ProfileBuffer) AddEntry(e Entry) Position {
	pos, err := pb.ring.PutBlock(e.Encode())
	if err != nil {
		return 0
	}
	return pos
}

// AddThreadIDEntry appends a ThreadId entry. The returned position is the
// anchor correlating the entries of the sample that follows.
func (pb *ProfileBuffer) AddThreadIDEntry(tid uint64) Position {
	return pb.AddEntry(ThreadID(tid))
}

// BufferRangeStart returns the position of the oldest stored entry.
func (pb *ProfileBuffer) BufferRangeStart() Position {
	return pb.ring.State().RangeStart
}

// BufferRangeEnd returns one past the position of the newest stored entry.
func (pb *ProfileBuffer) BufferRangeEnd() Position {
	return pb.ring.State().RangeEnd
}

// ReadEach calls fn with each decoded entry, oldest first, until fn returns
// false. Undecodable blocks are skipped. Writers must be quiesced.
func (pb *ProfileBuffer) ReadEach(fn func(pos Position, e Entry) bool) {
	pb.ring.ReadEach(func(idx ringbuf.BlockIndex, body []byte) bool {
		e, err := Decode(body)
		if err != nil {
			return true
		}
		return fn(idx, e)
	})
}

// DiscardSamplesBeforeTime evicts every leading sample whose Time entry is
// below ms. Used to enforce a maximum window duration. When no Time entry
// reaches ms, nothing is evicted.
func (pb *ProfileBuffer) DiscardSamplesBeforeTime(ms float64) {
	var keepFrom Position
	var sampleStart Position
	pb.ring.ReadEach(func(idx ringbuf.BlockIndex, body []byte) bool {
		e, err := Decode(body)
		if err != nil {
			return true
		}
		if e.Kind == KindThreadID {
			sampleStart = idx
		}
		if e.Kind == KindTime && e.Float64() >= ms {
			if sampleStart != 0 {
				keepFrom = sampleStart
			} else {
				keepFrom = idx
			}
			return false
		}
		return true
	})
	if keepFrom != 0 {
		pb.ring.EvictBefore(keepFrom)
	}
}

// DuplicateLastSample re-appends the sample anchored at lastPos with a fresh
// Time entry, so a sleeping thread keeps a presence in the window without
// being suspended. The entry at lastPos must still be live and must be a
// ThreadId entry for tid; otherwise the call fails and the caller takes a
// real sample instead. Returns the new sample's anchor position.
func (pb *ProfileBuffer) DuplicateLastSample(tid uint64, lastPos Position, nowMs float64) (Position, bool) {
	if lastPos == 0 {
		return 0, false
	}
	st := pb.ring.State()
	if lastPos < st.RangeStart || lastPos >= st.RangeEnd {
		return 0, false
	}

	var copied []Entry
	ok := true
	first := true
	err := pb.ring.ReadFrom(lastPos, func(_ ringbuf.BlockIndex, body []byte) bool {
		e, derr := Decode(body)
		if derr != nil {
			ok = false
			return false
		}
		if first {
			first = false
			if e.Kind != KindThreadID || e.Uint64() != tid {
				ok = false
				return false
			}
			copied = append(copied, e)
			return true
		}
		switch e.Kind {
		case KindTime:
			copied = append(copied, Time(nowMs))
		case KindLabel, KindNativeLeafAddr:
			copied = append(copied, e)
		default:
			// Anything else (next sample, counters, markers) ends this one.
			return false
		}
		return true
	})
	if err != nil || !ok || len(copied) == 0 {
		return 0, false
	}

	anchor := pb.AddEntry(copied[0])
	if anchor == 0 {
		return 0, false
	}
	for _, e := range copied[1:] {
		pb.AddEntry(e)
	}
	return anchor, true
}

// StatAgg accumulates min/max/sum over a series of millisecond durations.
type StatAgg struct {
	N   uint64
	Min float64
	Max float64
	Sum float64
}

func (s *StatAgg) add(v float64) {
	if s.N == 0 || v < s.Min {
		s.Min = v
	}
	if s.N == 0 || v > s.Max {
		s.Max = v
	}
	s.Sum += v
	s.N++
}

// Mean returns the running average, or 0 with no samples.
func (s StatAgg) Mean() float64 {
	if s.N == 0 {
		return 0
	}
	return s.Sum / float64(s.N)
}

// OverheadStats aggregates per-iteration sampler timing for the overhead
// section of an emitted profile.
type OverheadStats struct {
	SamplingCount uint64
	Intervals     StatAgg
	Overheads     StatAgg
	Lockings      StatAgg
	Cleanings     StatAgg
	Counters      StatAgg
	Threads       StatAgg

	lastTimeMs float64
}

// CollectOverheadStats records one sampler iteration's timing breakdown: an
// Overhead entry goes into the buffer and the running aggregates are updated.
// timeMs is the iteration's start relative to process start; the remaining
// arguments are phase durations.
func (pb *ProfileBuffer) CollectOverheadStats(timeMs, lockingMs, cleaningMs, countersMs, threadsMs float64) {
	o := &pb.overhead
	if o.SamplingCount > 0 {
		o.Intervals.add(timeMs - o.lastTimeMs)
	}
	o.lastTimeMs = timeMs
	o.Overheads.add(lockingMs + cleaningMs + countersMs + threadsMs)
	o.Lockings.add(lockingMs)
	o.Cleanings.add(cleaningMs)
	o.Counters.add(countersMs)
	o.Threads.add(threadsMs)
	o.SamplingCount++

	pb.AddEntry(OverheadEntry(OverheadRecord{
		TimeMs:     timeMs,
		LockingMs:  lockingMs,
		CleaningMs: cleaningMs,
		CountersMs: countersMs,
		ThreadsMs:  threadsMs,
	}))
}

// Overhead returns a snapshot of the aggregated overhead statistics.
func (pb *ProfileBuffer) Overhead() OverheadStats { return pb.overhead }

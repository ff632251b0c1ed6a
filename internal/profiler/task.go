package profiler

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/baseprof/baseprof/internal/profiler/entries"
	"github.com/baseprof/baseprof/internal/profiler/ringbuf"
)

// stagingBytes is the size of the per-task staging ring. One sample's frames
// must fit here before being bulk-copied into the core ring.
const stagingBytes = 64 * 1024

// samplerTask drives periodic sampling for one session. It owns a Sampler
// and a single-writer staging buffer; frames captured inside the suspended
// window land in staging first because the core ring's mutex cannot be taken
// there, then move to the core ring after the target is resumed.
type samplerTask struct {
	generation uint64
	interval   time.Duration

	sampler     *Sampler
	stagingRing *ringbuf.BlocksRingBuffer
	staging     *entries.ProfileBuffer
	scratch     NativeStack

	log  zerolog.Logger
	done chan struct{}
}

// startSamplerTask launches the task goroutine on its own OS thread. Caller
// holds the directory mutex; the goroutine re-acquires it on each iteration.
func startSamplerTask(reg *Registry, s *ActiveSession, platform Platform) *samplerTask {
	ring := ringbuf.New(stagingBytes)
	t := &samplerTask{
		generation:  s.generation,
		interval:    time.Duration(s.intervalMs * float64(time.Millisecond)),
		stagingRing: ring,
		staging:     entries.New(ring),
		log:         reg.log.With().Uint64("generation", s.generation).Logger(),
		done:        make(chan struct{}),
	}
	go t.run(reg, platform)
	return t
}

// join blocks until the task goroutine has exited. Callers must not hold the
// directory mutex, the loop needs it to observe the stop.
func (t *samplerTask) join() {
	<-t.done
}

func (t *samplerTask) run(reg *Registry, platform Platform) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	t.sampler = newSampler(platform, currentThreadID(), t.log)
	defer t.sampler.disable()

	t.log.Debug().Dur("interval", t.interval).Msg("sampler task started")

	var lastOvershoot time.Duration
	sampleStart := time.Now()
	for {
		if !t.iterate(reg, sampleStart) {
			t.log.Debug().Msg("sampler task exiting")
			return
		}

		targetEnd := sampleStart.Add(t.interval)
		beforeSleep := time.Now()
		sleepFor := targetEnd.Sub(beforeSleep) - lastOvershoot
		if sleepFor < 0 {
			sleepFor = 0
		}
		time.Sleep(sleepFor)
		lastOvershoot = time.Since(beforeSleep) - sleepFor
		if lastOvershoot < 0 {
			lastOvershoot = 0
		}
		sampleStart = time.Now()
	}
}

// iterate runs one sampling pass. Returns false when the session is gone or
// replaced and the task must exit.
func (t *samplerTask) iterate(reg *Registry, sampleStart time.Time) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	lockAcquired := time.Now()

	s := reg.session
	if s == nil || s.generation != t.generation {
		return false
	}

	s.clearExpiredExitProfiles()
	s.discardExpiredDeadRecords()
	cleaningDone := time.Now()

	if s.paused {
		return true
	}

	t.sampleCounters(reg, s)
	countersDone := time.Now()

	if !s.features.Has(FeatureNoStackSampling) {
		t.sampleThreads(reg, s)
	}
	threadsDone := time.Now()

	s.buffer.CollectOverheadStats(
		reg.elapsedMs(sampleStart),
		float64(lockAcquired.Sub(sampleStart))/float64(time.Millisecond),
		float64(cleaningDone.Sub(lockAcquired))/float64(time.Millisecond),
		float64(countersDone.Sub(cleaningDone))/float64(time.Millisecond),
		float64(threadsDone.Sub(countersDone))/float64(time.Millisecond),
	)
	return true
}

func (t *samplerTask) sampleCounters(reg *Registry, s *ActiveSession) {
	nowMs := reg.nowMs()
	for _, sc := range reg.counters {
		count, number := sc.c.Sample()
		s.buffer.AddEntry(entries.CounterID(sc.id))
		s.buffer.AddEntry(entries.Time(nowMs))
		s.buffer.AddEntry(entries.CounterKey(0))
		s.buffer.AddEntry(entries.Count(count))
		if number != 0 {
			s.buffer.AddEntry(entries.Number(number))
		}
	}
}

func (t *samplerTask) sampleThreads(reg *Registry, s *ActiveSession) {
	selfTID := t.sampler.selfTID
	for _, rec := range s.liveRecords {
		target := rec.reg
		if target == nil || target.tid == selfTID {
			continue
		}
		nowMs := reg.nowMs()

		if target.CanDuplicateLastSampleDueToSleep() {
			if pos, ok := s.buffer.DuplicateLastSample(target.tid, rec.lastSample, nowMs); ok {
				rec.lastSample = pos
				continue
			}
		}

		pos := s.buffer.AddThreadIDEntry(target.tid)
		if pos == 0 {
			continue
		}
		rec.lastSample = pos
		s.buffer.AddEntry(entries.Time(nowMs))

		before := t.stagingRing.State()
		err := t.sampler.SuspendAndSample(target, nowMs, func(regs Registers, labels []LabelFrame, nowMs float64) {
			sampleInto(t.sampler, target, regs, labels, s.features, t.staging, &t.scratch)
		})
		if err != nil {
			t.log.Trace().Err(err).Uint64("tid", target.tid).Msg("suspend failed")
			t.stagingRing.Clear()
			continue
		}

		after := t.stagingRing.State()
		stagedBytes := uint64(after.RangeEnd - after.RangeStart)
		switch {
		case after.ClearedBlockCount > before.ClearedBlockCount:
			t.log.Warn().Uint64("tid", target.tid).Msg("discarding sample too big for staging buffer")
		case stagedBytes >= uint64(reg.coreRing.BufferLength()):
			t.log.Warn().Uint64("tid", target.tid).Msg("discarding sample too big for core buffer")
		default:
			if err := reg.coreRing.AppendContents(t.stagingRing); err != nil {
				t.log.Warn().Err(err).Uint64("tid", target.tid).Msg("discarding sample")
			}
		}
		t.stagingRing.Clear()
	}
}

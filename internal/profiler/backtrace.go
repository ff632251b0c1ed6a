package profiler

import (
	"github.com/baseprof/baseprof/internal/profiler/entries"
	"github.com/baseprof/baseprof/internal/profiler/ringbuf"
)

// backtraceBytes sizes the private buffer of an on-thread sample.
const backtraceBytes = 64 * 1024

// Backtrace is an on-thread sample captured by GetBacktrace, held in its own
// buffer so it can outlive the session. It is read back through Frames; it
// does not implement MarkerPayload and cannot be attached to a marker.
type Backtrace struct {
	tid    uint64
	timeMs float64
	ring   *ringbuf.BlocksRingBuffer
}

// Frames decodes the captured frames, oldest first, as display strings.
func (b *Backtrace) Frames() []string {
	if b == nil {
		return nil
	}
	var out []string
	entries.New(b.ring).ReadEach(func(_ entries.Position, e entries.Entry) bool {
		switch e.Kind {
		case entries.KindLabel:
			out = append(out, frameLocation(e.Label))
		case entries.KindNativeLeafAddr:
			out = append(out, pcLocation(e.Uint64()))
		}
		return true
	})
	return out
}

// GetBacktrace samples the calling thread synchronously and returns the
// result as a handle, or nil when no unpaused non-private session is active
// or the thread is not registered.
func GetBacktrace() *Backtrace {
	if !racy.isActiveAndUnpausedWithoutPrivacy() {
		return nil
	}
	reg := registryPtr.Load()
	if reg == nil {
		return nil
	}
	tid := currentThreadID()
	r := reg.racyRegs.lookup(tid)
	if r == nil {
		return nil
	}

	ring := ringbuf.New(backtraceBytes)
	buf := entries.New(ring)
	bt := &Backtrace{tid: tid, timeMs: reg.nowMs(), ring: ring}

	sampler := newSampler(platform(), 0, reg.log)
	var scratch NativeStack
	regs := selfRegisters()
	sampleInto(sampler, r, regs, r.labels.Snapshot(), racy.features(), buf, &scratch)
	return bt
}

// SuspendAndSampleThread captures one backtrace of the given thread through
// the caller's collector. Works with or without an active session; nothing
// is written to the profile buffer.
func SuspendAndSampleThread(tid uint64, features Features, collector Collector) bool {
	reg := registryPtr.Load()
	if reg == nil {
		return false
	}

	reg.mu.Lock()
	target := reg.findThreadLocked(tid)
	reg.mu.Unlock()
	if target == nil {
		return false
	}

	sampler := newSampler(platform(), currentThreadID(), reg.log)
	if target.tid == sampler.selfTID {
		// Sample ourselves without suspension.
		collectSample(sampler, target, selfRegisters(), target.labels.Snapshot(), features, collector)
		return true
	}
	err := sampler.SuspendAndSample(target, reg.nowMs(), func(regs Registers, labels []LabelFrame, _ float64) {
		collectSample(sampler, target, regs, labels, features, collector)
	})
	return err == nil
}

func collectSample(sampler *Sampler, target *Registration, regs Registers, labels []LabelFrame, features Features, c Collector) {
	var native NativeStack
	if features.Has(FeatureStackWalk) && regs.PC != 0 {
		sampler.WalkStack(regs, target, &native)
	}
	mergeStacks(labels, native, c)
	if len(native.PCs) == 0 && features.Has(FeatureLeaf) && regs.PC != 0 {
		c.CollectNativeLeafAddr(regs.PC)
	}
}

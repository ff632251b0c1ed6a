package profiler

import (
	"errors"
	"runtime"

	"github.com/rs/zerolog"
)

// MaxNativeFrames bounds the native stack captured for one sample.
const MaxNativeFrames = 1024

// Registers is the register snapshot taken from a suspended thread. A zero
// PC means no native register state was available.
type Registers struct {
	PC uint64
	SP uint64
	FP uint64
	LR uint64
}

// NativeStack receives an unwound native call stack, youngest first. PCs and
// SPs are parallel and hold at most MaxNativeFrames entries.
type NativeStack struct {
	PCs []uint64
	SPs []uint64
}

func (ns *NativeStack) reset() {
	ns.PCs = ns.PCs[:0]
	ns.SPs = ns.SPs[:0]
}

func (ns *NativeStack) push(pc, sp uint64) bool {
	if len(ns.PCs) >= MaxNativeFrames {
		return false
	}
	ns.PCs = append(ns.PCs, pc)
	ns.SPs = append(ns.SPs, sp)
	return true
}

// ThreadSuspender pauses one thread long enough to read its registers and
// label stack. The callback runs while the target is stopped: it must not
// allocate, must not take any lock, and may only write to a single-writer
// buffer. The suspender supplies the label frames because only it knows
// whether the target is quiescent: a real suspender passes the live stack,
// the portable one passes a locked snapshot taken while the target runs.
type ThreadSuspender interface {
	// SuspendAndSample suspends target, captures its registers, runs fn,
	// and resumes. Returns an error when the target cannot be sampled; fn is
	// not called in that case. The portable platform never fails: for other
	// threads it calls fn with empty registers without suspending them.
	SuspendAndSample(target *Registration, fn func(regs Registers, labels []LabelFrame)) error
}

// StackWalker unwinds a native stack from a register snapshot.
type StackWalker interface {
	// WalkStack fills out with target's native frames, youngest first, up
	// to MaxNativeFrames.
	WalkStack(regs Registers, target *Registration, out *NativeStack)
}

// Platform bundles the two capabilities a sampling session needs. Real
// thread suspension is platform- and integration-specific; the portable
// default can only observe the calling thread itself.
type Platform interface {
	ThreadSuspender
	StackWalker
}

// errSelfSample is returned when a sampler is asked to suspend the thread it
// runs on.
var errSelfSample = errors.New("profiler: sampler cannot suspend itself")

// errCannotSuspend reports that a platform cannot suspend a thread other than
// the caller. The portable platform does not return it: it runs the callback
// for other threads without suspending them.
var errCannotSuspend = errors.New("profiler: platform cannot suspend other threads")

// Sampler is the suspend-and-sample primitive bound to one sampling task.
type Sampler struct {
	platform Platform
	selfTID  uint64
	log      zerolog.Logger
}

func newSampler(platform Platform, selfTID uint64, log zerolog.Logger) *Sampler {
	return &Sampler{platform: platform, selfTID: selfTID, log: log}
}

// SuspendAndSample suspends target, runs fn in the suspended window with the
// captured registers and nowMs, and resumes. Refuses its own thread.
func (s *Sampler) SuspendAndSample(target *Registration, nowMs float64, fn func(regs Registers, labels []LabelFrame, nowMs float64)) error {
	if target.tid == s.selfTID {
		return errSelfSample
	}
	return s.platform.SuspendAndSample(target, func(regs Registers, labels []LabelFrame) {
		fn(regs, labels, nowMs)
	})
}

// WalkStack exposes the platform stack walker.
func (s *Sampler) WalkStack(regs Registers, target *Registration, out *NativeStack) {
	s.platform.WalkStack(regs, target, out)
}

// disable releases platform resources (signal handlers on signal-based
// suspenders). Called before the owning task is dropped.
func (s *Sampler) disable() {
	if d, ok := s.platform.(interface{ Disable() }); ok {
		d.Disable()
	}
}

// portablePlatform is the built-in capability: it cannot stop other threads,
// so cross-thread samples degrade to label-stack-only data, while on-thread
// samples (synchronous and backtrace paths) capture real program counters
// through the runtime.
type portablePlatform struct{}

// NewPortablePlatform returns the suspension-free default platform.
func NewPortablePlatform() Platform { return portablePlatform{} }

func (portablePlatform) SuspendAndSample(target *Registration, fn func(regs Registers, labels []LabelFrame)) error {
	if target.tid == currentThreadID() {
		fn(selfRegisters(), target.labels.Snapshot())
		return nil
	}
	// The target keeps running; a locked snapshot of its label stack is
	// the best available approximation and there are no registers.
	fn(Registers{}, target.labels.Snapshot())
	return nil
}

func (portablePlatform) WalkStack(regs Registers, target *Registration, out *NativeStack) {
	out.reset()
	if regs.PC == 0 || target.tid != currentThreadID() {
		return
	}
	var pcs [MaxNativeFrames]uintptr
	n := runtime.Callers(2, pcs[:])
	// The runtime exposes no stack pointers, so synthesize addresses below
	// the thread's stack top: youngest frame lowest, as on a downward
	// growing stack. Merge ordering only needs the relative order.
	top := uint64(target.stackTop)
	if top == 0 {
		top = 1 << 47
	}
	for i := 0; i < n; i++ {
		if !out.push(uint64(pcs[i]), top-uint64(n-i)*16) {
			return
		}
	}
}

// selfRegisters captures a best-effort register view of the calling thread.
func selfRegisters() Registers {
	var pcs [1]uintptr
	if runtime.Callers(2, pcs[:]) == 0 {
		return Registers{}
	}
	return Registers{PC: uint64(pcs[0])}
}

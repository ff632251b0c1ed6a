package profiler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/baseprof/baseprof/internal/profiler/entries"
)

// LabelFrameKind distinguishes ordinary instrumentation frames from the two
// special annotations the merge step treats differently.
type LabelFrameKind uint8

const (
	// LabelFrameNormal is a regular label frame, emitted into samples.
	LabelFrameNormal LabelFrameKind = iota
	// LabelFrameSPMarker carries only its stack address; never emitted.
	LabelFrameSPMarker
	// LabelFrameOSR marks an on-stack-replacement transition; skipped
	// entirely during merge.
	LabelFrameOSR
)

// LabelFrame is one entry of a thread's label stack: a lightweight
// instrumentation frame pushed and popped by application code.
type LabelFrame struct {
	Label        string
	Dynamic      string
	Category     uint32
	StackAddress uint64
	Kind         LabelFrameKind
}

// LabelStack is a per-thread stack of label frames, oldest first. Only the
// owning thread mutates it. A suspending platform reads Frames directly
// while the owner is stopped; the portable platform uses Snapshot, which
// takes the internal lock because the owner keeps running.
type LabelStack struct {
	mu     sync.Mutex
	frames []LabelFrame
}

// Push appends a frame.
func (s *LabelStack) Push(f LabelFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

// Pop removes the youngest frame. Popping an empty stack is a no-op.
func (s *LabelStack) Pop() {
	s.mu.Lock()
	if n := len(s.frames); n > 0 {
		s.frames = s.frames[:n-1]
	}
	s.mu.Unlock()
}

// Frames returns the stack oldest-first without locking. The slice aliases
// internal storage; only valid while the owner is quiescent. The owner may
// hold the internal lock while suspended, so suspended-window code must use
// this, never Snapshot.
func (s *LabelStack) Frames() []LabelFrame {
	return s.frames
}

// Snapshot copies the stack under the internal lock.
func (s *LabelStack) Snapshot() []LabelFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LabelFrame(nil), s.frames...)
}

// Depth returns the number of pushed frames.
func (s *LabelStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Thread sleep states. A sampler observing a sleeping thread takes one real
// sample, then duplicates it on subsequent iterations until the thread wakes.
const (
	threadAwake int32 = iota
	threadSleepingNotObserved
	threadSleepingObserved
)

// Registration is the per-thread record owned by the Registry. The racy
// fields are read by hot paths without the directory mutex.
type Registration struct {
	tid          uint64
	name         string
	registerTime time.Time
	stackTop     uintptr
	isMain       bool

	labels LabelStack

	beingProfiled atomic.Bool
	sleep         atomic.Int32
}

// TID returns the registered thread id.
func (r *Registration) TID() uint64 { return r.tid }

// Name returns the thread's human-readable name.
func (r *Registration) Name() string { return r.name }

// RegisterTime returns when the thread registered.
func (r *Registration) RegisterTime() time.Time { return r.registerTime }

// StackTop returns the highest stack address usable by the stack walker.
func (r *Registration) StackTop() uintptr { return r.stackTop }

// IsMainThread reports whether this is the registration of the thread that
// created the registry.
func (r *Registration) IsMainThread() bool { return r.isMain }

// LabelStack returns the thread's label stack.
func (r *Registration) LabelStack() *LabelStack { return &r.labels }

// IsBeingProfiled reports the racy being-profiled hint.
func (r *Registration) IsBeingProfiled() bool { return r.beingProfiled.Load() }

func (r *Registration) setBeingProfiled(v bool) { r.beingProfiled.Store(v) }

// SetSleeping records that the owning thread is entering an idle wait.
func (r *Registration) SetSleeping() {
	r.sleep.Store(threadSleepingNotObserved)
}

// SetAwake records that the owning thread left its idle wait.
func (r *Registration) SetAwake() {
	r.sleep.Store(threadAwake)
}

// IsSleeping reports whether the thread has announced an idle wait.
func (r *Registration) IsSleeping() bool {
	return r.sleep.Load() != threadAwake
}

// CanDuplicateLastSampleDueToSleep reports whether the sampler may reuse the
// thread's previous sample. The first observation after falling asleep still
// takes a real sample; later ones duplicate.
func (r *Registration) CanDuplicateLastSampleDueToSleep() bool {
	if r.sleep.Load() == threadAwake {
		return false
	}
	if r.sleep.CompareAndSwap(threadSleepingNotObserved, threadSleepingObserved) {
		return false
	}
	return r.sleep.Load() == threadSleepingObserved
}

// ThreadInfo is an immutable snapshot of a registration, kept by sampled
// thread records so emit code survives the registration being destroyed.
type ThreadInfo struct {
	TID          uint64
	Name         string
	RegisterTime time.Time
	IsMain       bool
}

func (r *Registration) info() ThreadInfo {
	return ThreadInfo{TID: r.tid, Name: r.name, RegisterTime: r.registerTime, IsMain: r.isMain}
}

// aboutBlankURL is the placeholder URL replaced when the same page registers
// again with a real location.
const aboutBlankURL = "about:blank"

// PageRegistration records one logical page for the pages section of the
// profile. InnerWindowID is the unique key.
type PageRegistration struct {
	BrowsingContextID     uint64
	InnerWindowID         uint64
	URL                   string
	EmbedderInnerWindowID uint64

	registerPos   entries.Position
	unregisterPos entries.Position
}

// racyRegistrationMap publishes tid -> *Registration for lock-free lookup on
// the marker path. Each entry is written only by its owning thread at
// register time and deleted by it at unregister time, except that Shutdown
// retracts every remaining entry; the sampler reads the
// registry's own thread list under the directory mutex instead.
type racyRegistrationMap struct {
	m sync.Map
}

func (rm *racyRegistrationMap) publish(reg *Registration) {
	rm.m.Store(reg.tid, reg)
}

func (rm *racyRegistrationMap) retract(tid uint64) {
	rm.m.Delete(tid)
}

func (rm *racyRegistrationMap) lookup(tid uint64) *Registration {
	v, ok := rm.m.Load(tid)
	if !ok {
		return nil
	}
	return v.(*Registration)
}

package profiler

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/baseprof/baseprof/internal/profiler/entries"
	"github.com/baseprof/baseprof/internal/profiler/ringbuf"
)

// Registry is the process-wide profiler state, created by Init and destroyed
// by Shutdown. It owns thread, page and counter registrations, and the core
// ring buffer that receives markers and, while a session is active, samples.
//
// The directory mutex guards every mutable field. Marker producers bypass it
// and write straight to the internally synchronized core ring.
type Registry struct {
	log zerolog.Logger

	mu sync.Mutex // directory mutex, non-recursive

	processStart time.Time
	wallStartMs  float64
	mainTID      uint64
	mainStackTop uintptr
	processName  string

	coreRing *ringbuf.BlocksRingBuffer
	racyRegs racyRegistrationMap

	threads  []*Registration
	pages    []*PageRegistration
	counters []sampledCounter

	session *ActiveSession

	shutdownSavePath string
}

func newRegistry(log zerolog.Logger, mainTID uint64, stackTop uintptr) *Registry {
	reg := &Registry{
		log:          log.With().Str("component", "profiler").Logger(),
		processStart: time.Now(),
		wallStartMs:  processWallStartMs(),
		mainTID:      mainTID,
		mainStackTop: stackTop,
		processName:  defaultProcessName(),
		coreRing:     ringbuf.NewSynchronizedInactive(),
	}
	return reg
}

// processWallStartMs returns the wall-clock process start in milliseconds
// since the epoch, falling back to "now" when the platform query fails.
func processWallStartMs() float64 {
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if ms, err := p.CreateTime(); err == nil && ms > 0 {
			return float64(ms)
		}
	}
	return float64(time.Now().UnixMilli())
}

func defaultProcessName() string {
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if name, err := p.Name(); err == nil && name != "" {
			return name
		}
	}
	if len(os.Args) > 0 {
		return os.Args[0]
	}
	return "unknown"
}

// elapsedMs returns t as milliseconds since process start.
func (reg *Registry) elapsedMs(t time.Time) float64 {
	return float64(t.Sub(reg.processStart)) / float64(time.Millisecond)
}

func (reg *Registry) nowMs() float64 {
	return reg.elapsedMs(time.Now())
}

func (reg *Registry) isMainThread(tid uint64) bool {
	return tid == reg.mainTID
}

func (reg *Registry) appendThreadLocked(r *Registration) {
	reg.threads = append(reg.threads, r)
}

func (reg *Registry) removeThreadLocked(r *Registration) {
	for i, t := range reg.threads {
		if t == r {
			reg.threads = append(reg.threads[:i], reg.threads[i+1:]...)
			return
		}
	}
}

func (reg *Registry) findThreadLocked(tid uint64) *Registration {
	for _, t := range reg.threads {
		if t.tid == tid {
			return t
		}
	}
	return nil
}

// appendPageLocked adds a page registration. A page re-registering its
// inner-window id replaces the existing entry only when that entry still
// holds the about:blank placeholder; any other duplicate is ignored.
func (reg *Registry) appendPageLocked(p *PageRegistration) {
	for i, existing := range reg.pages {
		if existing.InnerWindowID == p.InnerWindowID {
			if existing.URL == aboutBlankURL {
				p.registerPos = existing.registerPos
				reg.pages[i] = p
			}
			return
		}
	}
	if reg.session != nil {
		p.registerPos = reg.session.buffer.BufferRangeEnd()
	}
	reg.pages = append(reg.pages, p)
}

// removePageLocked drops the page with the given inner-window id and returns
// it, or nil when absent.
func (reg *Registry) removePageLocked(innerWindowID uint64) *PageRegistration {
	for i, p := range reg.pages {
		if p.InnerWindowID == innerWindowID {
			reg.pages = append(reg.pages[:i], reg.pages[i+1:]...)
			return p
		}
	}
	return nil
}

func (reg *Registry) clearPagesLocked() {
	reg.pages = nil
}

func (reg *Registry) appendCounterLocked(c Counter) {
	for _, sc := range reg.counters {
		if sc.c == c {
			return
		}
	}
	reg.counters = append(reg.counters, newSampledCounter(c))
}

func (reg *Registry) removeCounterLocked(c Counter) {
	for i, sc := range reg.counters {
		if sc.c == c {
			reg.counters = append(reg.counters[:i], reg.counters[i+1:]...)
			return
		}
	}
}

func (reg *Registry) coreRingState() ringbuf.State {
	return reg.coreRing.State()
}

// coreBuffer returns a transient typed view of the core ring, for marker
// writes that bypass the directory mutex.
func (reg *Registry) coreBuffer() *entries.ProfileBuffer {
	return entries.New(reg.coreRing)
}

package profiler

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/baseprof/baseprof/internal/profiler/entries"
	"github.com/baseprof/baseprof/internal/safe"
)

// Session sizing rules. Out-of-range runtime arguments clamp to defaults;
// only startup configuration treats them as fatal.
const (
	// DefaultCapacity is the profile buffer capacity in entries.
	DefaultCapacity uint32 = 1 << 20
	// MinimumCapacity is the smallest accepted capacity before clamping to
	// the default.
	MinimumCapacity uint32 = 8192
	// DefaultIntervalMs is the sampling interval.
	DefaultIntervalMs float64 = 1
	// MaxIntervalMs bounds startup interval configuration.
	MaxIntervalMs float64 = 1000
	// bytesPerEntry scales entry capacity to ring byte capacity.
	bytesPerEntry = 8
)

// generations is the process-wide session generation counter. Strict
// monotonicity across start/stop cycles is what lets a sampler task detect
// that its session was replaced while it slept.
var generations atomic.Uint64

// SampledThreadRecord is the per-thread sampling state of a session. The
// registration back-reference is nulled when the thread unregisters; the
// record then lingers on the dead list until its data ages out of the ring.
type SampledThreadRecord struct {
	info ThreadInfo
	reg  *Registration // nil once dead

	lastSample    entries.Position
	unregisterPos entries.Position // set when dead
}

// Info returns the immutable snapshot taken at enrollment.
func (r *SampledThreadRecord) Info() ThreadInfo { return r.info }

type exitProfile struct {
	json      string
	bufferPos entries.Position
}

// ActiveSession exists while the profiler runs, created by Start and
// destroyed by Stop. All mutation happens under the registry's directory
// mutex; the sampler task handle is the only piece touched outside it, and
// only during the stop sequence.
type ActiveSession struct {
	generation uint64

	capacity   uint32
	intervalMs float64
	duration   time.Duration // 0 means unbounded window
	features   Features
	filters    []string

	buffer *entries.ProfileBuffer
	paused bool

	liveRecords []*SampledThreadRecord
	deadRecords []*SampledThreadRecord
	deadPages   []*PageRegistration
	exits       []exitProfile

	task *samplerTask
}

// newSession clamps the requested parameters, allocates ring storage and
// enrolls the currently registered threads. Caller holds the directory
// mutex. The sampler task is started separately so the racy active bit can
// be set last.
func newSession(reg *Registry, capacity uint32, intervalMs float64, features Features, filters []string, duration time.Duration) *ActiveSession {
	if capacity < MinimumCapacity {
		capacity = DefaultCapacity
	}
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	if duration < 0 {
		duration = 0
	}

	features = adjustFeatures(features, filters)

	ringBytes, _ := safe.Uint64ToUint32(uint64(capacity) * bytesPerEntry)
	reg.coreRing.Allocate(ringBytes)
	s := &ActiveSession{
		generation: generations.Add(1),
		capacity:   capacity,
		intervalMs: intervalMs,
		duration:   duration,
		features:   features,
		filters:    append([]string(nil), filters...),
		buffer:     entries.New(reg.coreRing),
	}

	for _, t := range reg.threads {
		if s.threadSelected(t.name, t.isMain) {
			s.enrollLocked(t)
		}
	}
	return s
}

// adjustFeatures intersects the request with what this build offers, and
// forces thread sampling on when filters are supplied, since filters are
// meaningless against the main thread alone.
func adjustFeatures(features Features, filters []string) Features {
	features &= AvailableFeatures()
	if len(filters) > 0 {
		features |= FeatureThreads
	}
	return features
}

// threadSelected implements the sampling predicate: main thread or the
// Threads feature, and a filter match. Filters match case-insensitively as
// substrings; "*" matches everything; "pid:<n>" matches the own process.
func (s *ActiveSession) threadSelected(name string, isMain bool) bool {
	if !isMain && !s.features.Has(FeatureThreads) {
		return false
	}
	if len(s.filters) == 0 {
		return true
	}
	selfPid := fmt.Sprintf("pid:%d", os.Getpid())
	lowerName := strings.ToLower(name)
	for _, f := range s.filters {
		if f == "*" || strings.EqualFold(f, selfPid) {
			return true
		}
		if strings.Contains(lowerName, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// enrollLocked adds a live record for reg and flips its racy profiled bit.
func (s *ActiveSession) enrollLocked(reg *Registration) *SampledThreadRecord {
	rec := &SampledThreadRecord{info: reg.info(), reg: reg}
	s.liveRecords = append(s.liveRecords, rec)
	reg.setBeingProfiled(true)
	return rec
}

// unregisterLocked moves reg's record to the dead list, tagging it with the
// current buffer position so emit code knows its valid range.
func (s *ActiveSession) unregisterLocked(reg *Registration) {
	reg.setBeingProfiled(false)
	for i, rec := range s.liveRecords {
		if rec.reg == reg {
			s.liveRecords = append(s.liveRecords[:i], s.liveRecords[i+1:]...)
			rec.reg = nil
			rec.unregisterPos = s.buffer.BufferRangeEnd()
			s.deadRecords = append(s.deadRecords, rec)
			return
		}
	}
}

// unregisterPageLocked parks a removed page on the dead list so it still
// appears in profiles covering its lifetime.
func (s *ActiveSession) unregisterPageLocked(p *PageRegistration) {
	p.unregisterPos = s.buffer.BufferRangeEnd()
	s.deadPages = append(s.deadPages, p)
}

// discardExpiredDeadRecords drops dead thread and page records whose last
// data has been evicted from the ring.
func (s *ActiveSession) discardExpiredDeadRecords() {
	start := s.buffer.BufferRangeStart()
	keep := s.deadRecords[:0]
	for _, rec := range s.deadRecords {
		if rec.unregisterPos >= start {
			keep = append(keep, rec)
		}
	}
	s.deadRecords = keep

	keepPages := s.deadPages[:0]
	for _, p := range s.deadPages {
		if p.unregisterPos >= start {
			keepPages = append(keepPages, p)
		}
	}
	s.deadPages = keepPages
}

// addExitProfile stores a pre-serialized peer profile, tagged with the
// current buffer end so it ages out with the surrounding data.
func (s *ActiveSession) addExitProfile(json string) {
	s.exits = append(s.exits, exitProfile{json: json, bufferPos: s.buffer.BufferRangeEnd()})
}

// clearExpiredExitProfiles drops exit profiles older than the ring window.
func (s *ActiveSession) clearExpiredExitProfiles() {
	start := s.buffer.BufferRangeStart()
	keep := s.exits[:0]
	for _, e := range s.exits {
		if e.bufferPos >= start {
			keep = append(keep, e)
		}
	}
	s.exits = keep
}

// moveExitProfiles drains the stored exit profiles.
func (s *ActiveSession) moveExitProfiles() []string {
	s.clearExpiredExitProfiles()
	out := make([]string, 0, len(s.exits))
	for _, e := range s.exits {
		out = append(out, e.json)
	}
	s.exits = nil
	return out
}

// equalParams reports whether a running session already satisfies a start
// request, for the ensure-started path.
func (s *ActiveSession) equalParams(capacity uint32, intervalMs float64, features Features, filters []string, duration time.Duration) bool {
	if capacity < MinimumCapacity {
		capacity = DefaultCapacity
	}
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	if s.capacity != capacity || s.intervalMs != intervalMs || s.duration != duration {
		return false
	}
	if s.features != adjustFeatures(features&AvailableFeatures(), filters) {
		return false
	}
	if len(s.filters) != len(filters) {
		return false
	}
	for i := range filters {
		if !strings.EqualFold(s.filters[i], filters[i]) {
			return false
		}
	}
	return true
}

// teardownLocked empties the session's storage and detaches every enrolled
// thread. The sampler task handle is returned so the caller can join it
// after releasing the directory mutex.
func (s *ActiveSession) teardownLocked(reg *Registry) *samplerTask {
	for _, rec := range s.liveRecords {
		if rec.reg != nil {
			rec.reg.setBeingProfiled(false)
			rec.reg = nil
		}
	}
	s.liveRecords = nil
	s.deadRecords = nil
	s.deadPages = nil
	s.exits = nil
	reg.coreRing.Deallocate()
	task := s.task
	s.task = nil
	return task
}

// StartParams is the snapshot of a session's configuration.
type StartParams struct {
	Capacity   uint32
	IntervalMs float64
	Duration   time.Duration
	Features   Features
	Filters    []string
}

func (s *ActiveSession) startParams() StartParams {
	return StartParams{
		Capacity:   s.capacity,
		IntervalMs: s.intervalMs,
		Duration:   s.duration,
		Features:   s.features,
		Filters:    append([]string(nil), s.filters...),
	}
}

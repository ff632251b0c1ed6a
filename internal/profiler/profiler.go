// Package profiler is a sampling execution profiler. A process calls Init
// once on its main thread, registers the threads it wants observed, and
// starts a session; a dedicated sampler task then records periodic stack
// samples, counter values and markers into a fixed-size ring buffer, from
// which GetProfile serializes a profile document at any point.
package profiler

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	registryPtr atomic.Pointer[Registry]
	racy        racyFlags
	platformPtr atomic.Pointer[Platform]
)

func platform() Platform {
	if p := platformPtr.Load(); p != nil {
		return *p
	}
	return NewPortablePlatform()
}

// SetPlatform installs the thread suspension and stack walking capability
// used by sampling sessions. Call before Init; the default portable platform
// cannot suspend other threads and degrades their samples to label stacks.
func SetPlatform(p Platform) {
	platformPtr.Store(&p)
}

// IsInitialized reports whether Init has run and Shutdown has not.
func IsInitialized() bool {
	return registryPtr.Load() != nil
}

// Init creates the process-wide profiler state and registers the calling
// thread as the main thread. Startup environment variables are honored: they
// can configure logging and start a session immediately. Calling Init twice
// without Shutdown is a no-op.
func Init(stackTop uintptr) {
	if registryPtr.Load() != nil {
		return
	}

	cfg, err := configFromEnv(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if cfg.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	reg := newRegistry(cfg.Logger, currentThreadID(), stackTop)
	reg.shutdownSavePath = cfg.ShutdownPath
	registryPtr.Store(reg)

	if libEnumPtr.Load() == nil {
		if e := defaultLibraryEnumerator(); e != nil {
			SetLibraryEnumerator(e)
		}
	}

	registerThread(reg, "GeckoMain (pseudo)", stackTop, true)

	if cfg.Startup {
		Start(cfg.Capacity, cfg.IntervalMs, cfg.Features, cfg.Filters, cfg.Duration)
	}
}

func registerThread(reg *Registry, name string, stackTop uintptr, isMain bool) {
	tid := currentThreadID()
	r := &Registration{
		tid:          tid,
		name:         name,
		registerTime: time.Now(),
		stackTop:     stackTop,
		isMain:       isMain,
	}
	reg.mu.Lock()
	if reg.findThreadLocked(tid) == nil {
		reg.appendThreadLocked(r)
		reg.racyRegs.publish(r)
		if s := reg.session; s != nil && s.threadSelected(name, isMain) {
			s.enrollLocked(r)
		}
	}
	reg.mu.Unlock()
}

// Shutdown saves the shutdown profile when configured, stops any session and
// destroys the profiler state. Must run on the thread that called Init.
func Shutdown() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	if reg.shutdownSavePath != "" && racy.isActive() {
		SaveProfileToFile(reg.shutdownSavePath)
	}
	Stop()
	reg.mu.Lock()
	for _, t := range reg.threads {
		reg.racyRegs.retract(t.tid)
	}
	reg.threads = nil
	reg.pages = nil
	reg.counters = nil
	reg.mu.Unlock()
	registryPtr.Store(nil)
}

// Start begins a sampling session, stopping any running one first. Out of
// range arguments clamp: capacity below the minimum becomes the default,
// non-positive interval becomes the default, non-positive duration means an
// unbounded window.
func Start(capacity uint32, intervalMs float64, features Features, filters []string, duration time.Duration) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	Stop()

	reg.mu.Lock()
	s := newSession(reg, capacity, intervalMs, features, filters, duration)
	reg.session = s
	s.task = startSamplerTask(reg, s, platform())
	reg.log.Info().
		Uint64("generation", s.generation).
		Uint32("capacity", s.capacity).
		Float64("interval_ms", s.intervalMs).
		Str("features", s.features.String()).
		Strs("filters", s.filters).
		Msg("session started")
	reg.mu.Unlock()

	// Set last: marker producers may observe the bit only once the
	// session is fully constructed.
	racy.setActive(s.features)
}

// EnsureStarted behaves like Start, except that a running session whose
// parameters already match is left untouched.
func EnsureStarted(capacity uint32, intervalMs float64, features Features, filters []string, duration time.Duration) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	if s := reg.session; s != nil && s.equalParams(capacity, intervalMs, features, filters, duration) {
		reg.mu.Unlock()
		return
	}
	reg.mu.Unlock()
	Start(capacity, intervalMs, features, filters, duration)
}

// Stop ends the running session, if any, and joins its sampler task. The
// racy active bit is cleared first, and the directory mutex is released
// before the join: the task needs it to observe the stop.
func Stop() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	racy.setInactive()

	reg.mu.Lock()
	s := reg.session
	if s == nil {
		reg.mu.Unlock()
		return
	}
	task := s.teardownLocked(reg)
	reg.session = nil
	generation := s.generation
	reg.mu.Unlock()

	if task != nil {
		task.join()
	}
	reg.log.Info().Uint64("generation", generation).Msg("session stopped")
}

// Pause suspends periodic sampling without tearing the session down. Markers
// are also gated off while paused.
func Pause() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := reg.session
	if s == nil || s.paused {
		return
	}
	s.buffer.AddEntry(pauseEntry(reg.nowMs()))
	s.paused = true
	racy.setPaused()
}

// Resume restarts periodic sampling after Pause.
func Resume() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := reg.session
	if s == nil || !s.paused {
		return
	}
	s.paused = false
	racy.setUnpaused()
	s.buffer.AddEntry(resumeEntry(reg.nowMs()))
}

// IsPaused reports the racy paused hint.
func IsPaused() bool {
	return racy.isPaused()
}

// IsActive reports the racy active hint.
func IsActive() bool {
	return racy.isActive()
}

// FeatureActive reports whether a session is active with the given feature.
func FeatureActive(f Features) bool {
	return racy.isActiveWithFeature(f)
}

// RegisterThread enrolls the calling thread for profiling under the given
// name. The caller should be locked to its OS thread for the registration to
// stay attached to it. stackTop bounds native stack walks.
func RegisterThread(name string, stackTop uintptr) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	registerThread(reg, name, stackTop, reg.isMainThread(currentThreadID()))
}

// UnregisterThread removes the calling thread's registration. Its sampled
// record, if any, moves to the dead list and remains visible in profiles
// until its data ages out of the ring.
func UnregisterThread() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	tid := currentThreadID()
	reg.mu.Lock()
	r := reg.findThreadLocked(tid)
	if r != nil {
		if s := reg.session; s != nil {
			s.discardExpiredDeadRecords()
			s.unregisterLocked(r)
		}
		reg.removeThreadLocked(r)
		reg.racyRegs.retract(tid)
	}
	reg.mu.Unlock()
}

// IsThreadBeingProfiled reports whether the calling thread is enrolled in
// the running session.
func IsThreadBeingProfiled() bool {
	reg := registryPtr.Load()
	if reg == nil {
		return false
	}
	r := reg.racyRegs.lookup(currentThreadID())
	return r != nil && r.IsBeingProfiled()
}

// ThreadIsSleeping reports whether the calling thread announced an idle wait.
func ThreadIsSleeping() bool {
	reg := registryPtr.Load()
	if reg == nil {
		return false
	}
	r := reg.racyRegs.lookup(currentThreadID())
	return r != nil && r.IsSleeping()
}

// ThreadSleep announces that the calling thread enters an idle wait. The
// sampler takes one more real sample and then duplicates it until ThreadWake.
func ThreadSleep() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	if r := reg.racyRegs.lookup(currentThreadID()); r != nil {
		r.SetSleeping()
	}
}

// ThreadWake announces that the calling thread left its idle wait.
func ThreadWake() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	if r := reg.racyRegs.lookup(currentThreadID()); r != nil {
		r.SetAwake()
	}
}

// PushLabel pushes an instrumentation frame on the calling thread's label
// stack. stackAddress should be an address on the current stack (0 is
// accepted and ordered after the previous frame).
func PushLabel(label, dynamic string, category uint32, stackAddress uint64) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	if r := reg.racyRegs.lookup(currentThreadID()); r != nil {
		r.labels.Push(LabelFrame{
			Label:        label,
			Dynamic:      dynamic,
			Category:     category,
			StackAddress: stackAddress,
		})
	}
}

// PopLabel pops the youngest frame pushed by PushLabel.
func PopLabel() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	if r := reg.racyRegs.lookup(currentThreadID()); r != nil {
		r.labels.Pop()
	}
}

// RegisterPage records a page for the pages section of the profile. A page
// re-registering its inner window id replaces the existing entry only when
// that entry still carries the about:blank placeholder.
func RegisterPage(browsingContextID, innerWindowID uint64, url string, embedderInnerWindowID uint64) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	reg.appendPageLocked(&PageRegistration{
		BrowsingContextID:     browsingContextID,
		InnerWindowID:         innerWindowID,
		URL:                   url,
		EmbedderInnerWindowID: embedderInnerWindowID,
	})
	reg.mu.Unlock()
}

// UnregisterPage removes a page registration. With an active session it
// moves to the dead list and remains visible in profiles covering its
// lifetime.
func UnregisterPage(innerWindowID uint64) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	if s := reg.session; s != nil {
		s.discardExpiredDeadRecords()
	}
	if p := reg.removePageLocked(innerWindowID); p != nil {
		if s := reg.session; s != nil {
			s.unregisterPageLocked(p)
		}
	}
	reg.mu.Unlock()
}

// ClearAllPages drops every page registration.
func ClearAllPages() {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	reg.clearPagesLocked()
	reg.mu.Unlock()
}

// SetProcessName overrides the process name reported in profiles.
func SetProcessName(name string) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	reg.processName = name
	reg.mu.Unlock()
}

// AddSampledCounter enrolls a counter; the sampler reads it once per
// iteration. The counter is not owned: remove it before destroying it.
func AddSampledCounter(c Counter) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	reg.appendCounterLocked(c)
	reg.mu.Unlock()
}

// RemoveSampledCounter detaches a counter from sampling.
func RemoveSampledCounter(c Counter) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	reg.removeCounterLocked(c)
	reg.mu.Unlock()
}

// ReceivedExitProfile stores a pre-serialized profile document from an
// exiting peer process. It is emitted under "processes" while its tag is
// still inside the buffer window.
func ReceivedExitProfile(profileJSON string) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	reg.mu.Lock()
	if s := reg.session; s != nil {
		s.addExitProfile(profileJSON)
	}
	reg.mu.Unlock()
}

// MoveExitProfiles drains the stored exit profiles.
func MoveExitProfiles() []string {
	reg := registryPtr.Load()
	if reg == nil {
		return nil
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if s := reg.session; s != nil {
		return s.moveExitProfiles()
	}
	return nil
}

// GetStartParams returns the running session's configuration.
func GetStartParams() (StartParams, bool) {
	reg := registryPtr.Load()
	if reg == nil {
		return StartParams{}, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if s := reg.session; s != nil {
		return s.startParams(), true
	}
	return StartParams{}, false
}

// BufferInfo describes the active profile buffer.
type BufferInfo struct {
	RangeStart uint64
	RangeEnd   uint64
	EntryCount uint64
	Capacity   uint32
}

// GetBufferInfo returns the ranges and entry count of the active buffer.
func GetBufferInfo() (BufferInfo, bool) {
	reg := registryPtr.Load()
	if reg == nil {
		return BufferInfo{}, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := reg.session
	if s == nil {
		return BufferInfo{}, false
	}
	st := reg.coreRingState()
	return BufferInfo{
		RangeStart: uint64(st.RangeStart),
		RangeEnd:   uint64(st.RangeEnd),
		EntryCount: st.PushedBlockCount - st.ClearedBlockCount,
		Capacity:   s.capacity,
	}, true
}

// GetEnvVarsForChildProcess hands the running session's configuration to
// setenv as startup environment variables, so a spawned child profiles
// itself the same way from its own Init.
func GetEnvVarsForChildProcess(setenv func(key, value string)) {
	params, ok := GetStartParams()
	if !ok {
		return
	}
	setenv(envStartup, "1")
	setenv(envStartupEntries, fmt.Sprintf("%d", params.Capacity))
	setenv(envStartupInterval, fmt.Sprintf("%g", params.IntervalMs))
	setenv(envStartupFeaturesBitfield, fmt.Sprintf("%d", uint32(params.Features)))
	if len(params.Filters) > 0 {
		setenv(envStartupFilters, joinCSV(params.Filters))
	}
	if params.Duration > 0 {
		setenv(envStartupDuration, fmt.Sprintf("%g", params.Duration.Seconds()))
	}
}

// logger returns the registry logger, or a disabled one before Init.
func logger() zerolog.Logger {
	if reg := registryPtr.Load(); reg != nil {
		return reg.log
	}
	return zerolog.Nop()
}

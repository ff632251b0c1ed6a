package profiler

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionRegistry(t *testing.T) *Registry {
	t.Helper()
	return newRegistry(zerolog.Nop(), currentThreadID(), 0)
}

func TestNewSessionClampsParameters(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	s := newSession(reg, 10, -1, DefaultFeatures, nil, -time.Second)
	reg.mu.Unlock()
	defer func() {
		reg.mu.Lock()
		s.teardownLocked(reg)
		reg.mu.Unlock()
	}()

	assert.Equal(t, DefaultCapacity, s.capacity)
	assert.Equal(t, DefaultIntervalMs, s.intervalMs)
	assert.Zero(t, s.duration)
}

func TestNewSessionKeepsValidParameters(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	s := newSession(reg, MinimumCapacity, 5, DefaultFeatures, nil, 3*time.Second)
	reg.mu.Unlock()
	defer func() {
		reg.mu.Lock()
		s.teardownLocked(reg)
		reg.mu.Unlock()
	}()

	assert.Equal(t, MinimumCapacity, s.capacity)
	assert.Equal(t, float64(5), s.intervalMs)
	assert.Equal(t, 3*time.Second, s.duration)
}

func TestSessionGenerationsIncrease(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	a := newSession(reg, 0, 1, DefaultFeatures, nil, 0)
	a.teardownLocked(reg)
	b := newSession(reg, 0, 1, DefaultFeatures, nil, 0)
	b.teardownLocked(reg)
	reg.mu.Unlock()
	assert.Greater(t, b.generation, a.generation)
}

func TestAdjustFeaturesFiltersForceThreads(t *testing.T) {
	assert.Equal(t, FeatureLeaf|FeatureThreads, adjustFeatures(FeatureLeaf, []string{"worker"}))
	assert.Equal(t, FeatureLeaf, adjustFeatures(FeatureLeaf, nil))
	// Unknown bits are stripped.
	assert.Equal(t, FeatureLeaf, adjustFeatures(FeatureLeaf|Features(1<<30), nil))
}

func TestThreadSelected(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	defer reg.mu.Unlock()

	noThreads := newSession(reg, 0, 1, FeatureLeaf, nil, 0)
	assert.True(t, noThreads.threadSelected("Worker", true), "main thread always sampled")
	assert.False(t, noThreads.threadSelected("Worker", false), "others need the threads feature")
	noThreads.teardownLocked(reg)

	allThreads := newSession(reg, 0, 1, FeatureThreads, nil, 0)
	assert.True(t, allThreads.threadSelected("Worker", false))
	allThreads.teardownLocked(reg)

	filtered := newSession(reg, 0, 1, FeatureThreads, []string{"WORK"}, 0)
	assert.True(t, filtered.threadSelected("io-worker-3", false), "substring match is case-insensitive")
	assert.False(t, filtered.threadSelected("Renderer", false))
	filtered.teardownLocked(reg)

	star := newSession(reg, 0, 1, FeatureThreads, []string{"*"}, 0)
	assert.True(t, star.threadSelected("anything", false))
	star.teardownLocked(reg)

	pidFilter := newSession(reg, 0, 1, FeatureThreads, []string{fmt.Sprintf("PID:%d", os.Getpid())}, 0)
	assert.True(t, pidFilter.threadSelected("Renderer", false), "own-pid filter matches every thread")
	pidFilter.teardownLocked(reg)
}

func TestEqualParams(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	s := newSession(reg, 0, 0, DefaultFeatures, []string{"Main"}, 0)
	defer func() {
		s.teardownLocked(reg)
		reg.mu.Unlock()
	}()

	// The same request clamps identically.
	assert.True(t, s.equalParams(0, 0, DefaultFeatures, []string{"Main"}, 0))
	assert.True(t, s.equalParams(10, -3, DefaultFeatures, []string{"MAIN"}, 0), "filters compare case-insensitively")
	assert.False(t, s.equalParams(MinimumCapacity, 0, DefaultFeatures, []string{"Main"}, 0))
	assert.False(t, s.equalParams(0, 7, DefaultFeatures, []string{"Main"}, 0))
	assert.False(t, s.equalParams(0, 0, DefaultFeatures|FeaturePrivacy, []string{"Main"}, 0))
	assert.False(t, s.equalParams(0, 0, DefaultFeatures, []string{"Main", "Worker"}, 0))
	assert.False(t, s.equalParams(0, 0, DefaultFeatures, []string{"Main"}, time.Second))
}

func TestUnregisterMovesRecordToDeadList(t *testing.T) {
	reg := newSessionRegistry(t)
	r := &Registration{tid: 42, name: "Worker", registerTime: time.Now()}
	reg.mu.Lock()
	reg.appendThreadLocked(r)
	s := newSession(reg, 0, 1, FeatureThreads, nil, 0)
	defer func() {
		s.teardownLocked(reg)
		reg.mu.Unlock()
	}()

	require.Len(t, s.liveRecords, 1)
	assert.True(t, r.IsBeingProfiled())

	s.unregisterLocked(r)
	assert.False(t, r.IsBeingProfiled())
	assert.Empty(t, s.liveRecords)
	require.Len(t, s.deadRecords, 1)
	assert.Nil(t, s.deadRecords[0].reg)
	assert.Equal(t, "Worker", s.deadRecords[0].Info().Name)
}

func TestDiscardExpiredDeadRecords(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	s := newSession(reg, 0, 1, FeatureThreads, nil, 0)
	defer func() {
		s.teardownLocked(reg)
		reg.mu.Unlock()
	}()

	s.deadRecords = []*SampledThreadRecord{
		{info: ThreadInfo{Name: "expired"}, unregisterPos: 0},
		{info: ThreadInfo{Name: "alive"}, unregisterPos: s.buffer.BufferRangeStart() + 100},
	}
	s.deadPages = []*PageRegistration{
		{InnerWindowID: 1, unregisterPos: 0},
		{InnerWindowID: 2, unregisterPos: s.buffer.BufferRangeStart() + 100},
	}
	// Block indices start at 1, so range_start already lies past the tag of 0.
	s.buffer.AddEntry(pauseEntry(0))
	s.discardExpiredDeadRecords()

	require.Len(t, s.deadRecords, 1)
	assert.Equal(t, "alive", s.deadRecords[0].info.Name)
	require.Len(t, s.deadPages, 1)
	assert.Equal(t, uint64(2), s.deadPages[0].InnerWindowID)
}

func TestExitProfilesDrainAndExpire(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	s := newSession(reg, 0, 1, DefaultFeatures, nil, 0)
	defer func() {
		s.teardownLocked(reg)
		reg.mu.Unlock()
	}()

	s.addExitProfile(`{"child":1}`)
	s.addExitProfile(`{"child":2}`)
	got := s.moveExitProfiles()
	assert.Equal(t, []string{`{"child":1}`, `{"child":2}`}, got)
	assert.Empty(t, s.moveExitProfiles())

	// An exit profile tagged before range_start is expired.
	s.exits = []exitProfile{{json: `{"old":true}`, bufferPos: 0}}
	s.buffer.AddEntry(pauseEntry(0))
	s.clearExpiredExitProfiles()
	assert.Empty(t, s.exits)
}

func TestStartParamsSnapshot(t *testing.T) {
	reg := newSessionRegistry(t)
	reg.mu.Lock()
	s := newSession(reg, MinimumCapacity, 2, DefaultFeatures, []string{"Main"}, time.Minute)
	defer func() {
		s.teardownLocked(reg)
		reg.mu.Unlock()
	}()

	p := s.startParams()
	assert.Equal(t, MinimumCapacity, p.Capacity)
	assert.Equal(t, float64(2), p.IntervalMs)
	assert.Equal(t, time.Minute, p.Duration)
	assert.Equal(t, s.features, p.Features)
	assert.Equal(t, []string{"Main"}, p.Filters)

	p.Filters[0] = "mutated"
	assert.Equal(t, "Main", s.filters[0], "snapshot must not alias session state")
}

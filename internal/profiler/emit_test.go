package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseprof/baseprof/internal/profiler/entries"
)

func TestFrameLocation(t *testing.T) {
	assert.Equal(t, "doWork", frameLocation(&entries.LabelFrame{Label: "doWork"}))
	assert.Equal(t, "doWork /home", frameLocation(&entries.LabelFrame{Label: "doWork", Dynamic: "/home"}))
	assert.Equal(t, "/home", frameLocation(&entries.LabelFrame{Dynamic: "/home"}))
	assert.Equal(t, "", frameLocation(&entries.LabelFrame{}))
}

func TestPCLocation(t *testing.T) {
	assert.Equal(t, "0x1234abcd", pcLocation(0x1234abcd))
	assert.Equal(t, "0x0", pcLocation(0))
}

func TestProfileMetaSection(t *testing.T) {
	initTestProfiler(t)
	Start(0, 7, DefaultFeatures, nil, 0)

	profile, err := GetProfile(0, false)
	require.NoError(t, err)
	doc := decodeProfile(t, profile)

	assert.Equal(t, 19, doc.Meta.Version)
	assert.Positive(t, doc.Meta.StartTime)
	assert.Nil(t, doc.Meta.ShutdownTime)
	assert.Equal(t, float64(7), doc.Meta.Interval)
	assert.Equal(t, 1, doc.Meta.Stackwalk)
	assert.NotEmpty(t, doc.Meta.Product)
	require.Len(t, doc.Meta.Categories, len(profileCategories))
	assert.Equal(t, "Other", doc.Meta.Categories[CategoryOther].Name)
	assert.Equal(t, "Network", doc.Meta.Categories[CategoryNetwork].Name)
}

func TestProfileStackwalkFlagOff(t *testing.T) {
	initTestProfiler(t)
	Start(0, 100, FeatureLeaf, nil, 0)

	profile, err := GetProfile(0, false)
	require.NoError(t, err)
	doc := decodeProfile(t, profile)
	assert.Zero(t, doc.Meta.Stackwalk)
}

func TestPagesSection(t *testing.T) {
	initTestProfiler(t)
	Start(0, 100, DefaultFeatures, nil, 0)

	RegisterPage(1, 100, aboutBlankURL, 0)
	RegisterPage(1, 100, "https://example.com/", 0)
	RegisterPage(2, 200, "https://second.example/", 100)

	profile, err := GetProfile(0, false)
	require.NoError(t, err)
	doc := decodeProfile(t, profile)
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, "https://example.com/", doc.Pages[0].URL)

	// An unregistered page stays visible as a dead registration.
	UnregisterPage(100)
	profile, err = GetProfile(0, false)
	require.NoError(t, err)
	doc = decodeProfile(t, profile)
	assert.Len(t, doc.Pages, 2)

	ClearAllPages()
	UnregisterPage(200)
	profile, err = GetProfile(0, false)
	require.NoError(t, err)
	doc = decodeProfile(t, profile)
	require.Len(t, doc.Pages, 1, "only the dead page remains")
	assert.Equal(t, uint64(100), doc.Pages[0].InnerWindowID)
}

type staticLibs []Library

func (l staticLibs) Libraries() []Library { return l }

func TestLibsSection(t *testing.T) {
	initTestProfiler(t)
	SetLibraryEnumerator(staticLibs{{
		Start: 0x1000, End: 0x2000, Name: "libbase.so", BreakpadID: "ABCD1234", Arch: "x86_64",
	}})
	t.Cleanup(func() { SetLibraryEnumerator(staticLibs(nil)) })

	Start(0, 100, DefaultFeatures, nil, 0)
	profile, err := GetProfile(0, false)
	require.NoError(t, err)
	assert.Contains(t, profile, "libbase.so")
	assert.Contains(t, profile, "ABCD1234")
}

func TestGetProfileSinceFiltersMarkers(t *testing.T) {
	reg := initTestProfiler(t)
	Start(0, 100, DefaultFeatures, nil, 0)

	AddMarker("early", "OTHER", nil)
	cutoff := reg.nowMs()
	time.Sleep(2 * time.Millisecond)
	AddMarker("late", "OTHER", nil)

	profile, err := GetProfile(cutoff, false)
	require.NoError(t, err)
	assert.Contains(t, profile, "late")
	assert.NotContains(t, profile, "early")
}

func TestCollectionStampsWrittenAfterEmit(t *testing.T) {
	reg := initTestProfiler(t)
	Start(0, 100, DefaultFeatures|FeatureNoStackSampling, nil, 0)

	_, err := GetProfile(0, false)
	require.NoError(t, err)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	var kinds []entries.Kind
	reg.session.buffer.ReadEach(func(_ entries.Position, e entries.Entry) bool {
		if e.Kind == entries.KindCollectionStart || e.Kind == entries.KindCollectionEnd {
			kinds = append(kinds, e.Kind)
		}
		return true
	})
	require.Len(t, kinds, 2)
	assert.Equal(t, entries.KindCollectionStart, kinds[0])
	assert.Equal(t, entries.KindCollectionEnd, kinds[1])
}

func TestProfilerOverheadSection(t *testing.T) {
	initTestProfiler(t)
	Start(0, 1, DefaultFeatures, nil, 0)

	require.Eventually(t, func() bool {
		profile, err := GetProfile(0, false)
		if err != nil {
			return false
		}
		return containsKey(profile, `"profilerOverhead"`) && containsKey(profile, `"samplingCount"`)
	}, 5*time.Second, 20*time.Millisecond)
}

func containsKey(doc, key string) bool {
	for i := 0; i+len(key) <= len(doc); i++ {
		if doc[i:i+len(key)] == key {
			return true
		}
	}
	return false
}

func TestDurationTrimsOldSamples(t *testing.T) {
	initTestProfiler(t)
	Start(0, 1, DefaultFeatures, nil, 50*time.Millisecond)

	AddMarker("doomed", "OTHER", nil)
	PushLabel("steady", "", CategoryOther, 0)
	defer PopLabel()

	// After well over the window, the early marker's surroundings are
	// trimmed at emit time.
	require.Eventually(t, func() bool {
		profile, err := GetProfile(0, false)
		if err != nil {
			return false
		}
		return !containsKey(profile, "doomed")
	}, 5*time.Second, 25*time.Millisecond)
}

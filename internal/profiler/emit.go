package profiler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/zeebo/xxh3"

	"github.com/baseprof/baseprof/internal/profiler/entries"
	"github.com/baseprof/baseprof/internal/safe"
)

// profileVersion is the document schema version.
const profileVersion = 19

// Label frame categories, indexing meta.categories.
const (
	CategoryOther uint32 = iota
	CategoryIdle
	CategoryLayout
	CategoryJS
	CategoryGC
	CategoryNetwork
	CategoryGraphics
	CategoryDOM
)

var profileCategories = []categoryJSON{
	{Name: "Other", Color: "grey", Subcategories: []string{"Other"}},
	{Name: "Idle", Color: "transparent", Subcategories: []string{"Other"}},
	{Name: "Layout", Color: "purple", Subcategories: []string{"Other"}},
	{Name: "JavaScript", Color: "yellow", Subcategories: []string{"Other"}},
	{Name: "GC / CC", Color: "orange", Subcategories: []string{"Other"}},
	{Name: "Network", Color: "lightblue", Subcategories: []string{"Other"}},
	{Name: "Graphics", Color: "green", Subcategories: []string{"Other"}},
	{Name: "DOM", Color: "blue", Subcategories: []string{"Other"}},
}

// Library describes one mapped code module for the libs section. The profiler
// does no symbolication; what the enumerator reports is emitted verbatim.
type Library struct {
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
	Offset     uint64 `json:"offset"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	DebugName  string `json:"debugName"`
	DebugPath  string `json:"debugPath"`
	BreakpadID string `json:"breakpadId"`
	Arch       string `json:"arch"`
}

// LibraryEnumerator supplies the loaded-module list at emit time.
type LibraryEnumerator interface {
	Libraries() []Library
}

var libEnumPtr atomic.Pointer[LibraryEnumerator]

// SetLibraryEnumerator installs the source of the libs section. Without one
// the section is empty.
func SetLibraryEnumerator(e LibraryEnumerator) {
	libEnumPtr.Store(&e)
}

func enumerateLibraries() []Library {
	if p := libEnumPtr.Load(); p != nil {
		return (*p).Libraries()
	}
	return nil
}

func pauseEntry(ms float64) entries.Entry  { return entries.Pause(ms) }
func resumeEntry(ms float64) entries.Entry { return entries.Resume(ms) }

// frameLocation renders a label frame as its display string.
func frameLocation(f *entries.LabelFrame) string {
	if f.Dynamic == "" {
		return f.Label
	}
	if f.Label == "" {
		return f.Dynamic
	}
	return f.Label + " " + f.Dynamic
}

// pcLocation renders a raw program counter as its display string.
func pcLocation(pc uint64) string {
	return fmt.Sprintf("0x%x", pc)
}

type categoryJSON struct {
	Name          string   `json:"name"`
	Color         string   `json:"color"`
	Subcategories []string `json:"subcategories"`
}

type profileMeta struct {
	Version      int            `json:"version"`
	StartTime    float64        `json:"startTime"`
	ShutdownTime *float64       `json:"shutdownTime"`
	Interval     float64        `json:"interval"`
	Stackwalk    int            `json:"stackwalk"`
	Debug        int            `json:"debug"`
	GCPoison     int            `json:"gcpoison"`
	AsyncStack   int            `json:"asyncstack"`
	ProcessType  int            `json:"processType"`
	Categories   []categoryJSON `json:"categories"`
	Product      string         `json:"product"`
	PhysicalCPUs int            `json:"physicalCPUs,omitempty"`
	LogicalCPUs  int            `json:"logicalCPUs,omitempty"`
}

type pageJSON struct {
	BrowsingContextID     uint64 `json:"browsingContextID"`
	InnerWindowID         uint64 `json:"innerWindowID"`
	URL                   string `json:"url"`
	EmbedderInnerWindowID uint64 `json:"embedderInnerWindowID"`
}

type overheadSamplesJSON struct {
	Schema map[string]int `json:"schema"`
	Data   [][]float64    `json:"data"`
}

type overheadStatsJSON struct {
	MaxCleaning  float64 `json:"maxCleaning"`
	MaxCounter   float64 `json:"maxCounter"`
	MaxInterval  float64 `json:"maxInterval"`
	MaxLockings  float64 `json:"maxLockings"`
	MaxOverhead  float64 `json:"maxOverhead"`
	MaxThread    float64 `json:"maxThread"`
	MeanCleaning float64 `json:"meanCleaning"`
	MeanCounter  float64 `json:"meanCounter"`
	MeanInterval float64 `json:"meanInterval"`
	MeanLockings float64 `json:"meanLockings"`
	MeanOverhead float64 `json:"meanOverhead"`
	MeanThread   float64 `json:"meanThread"`
	MinCleaning  float64 `json:"minCleaning"`
	MinCounter   float64 `json:"minCounter"`
	MinInterval  float64 `json:"minInterval"`
	MinLockings  float64 `json:"minLockings"`
	MinOverhead  float64 `json:"minOverhead"`
	MinThread    float64 `json:"minThread"`

	OverheadDurations  float64 `json:"overheadDurations"`
	OverheadPercentage float64 `json:"overheadPercentage"`
	ProfiledDuration   float64 `json:"profiledDuration"`
	SamplingCount      uint64  `json:"samplingCount"`
}

type overheadJSON struct {
	Samples    overheadSamplesJSON `json:"samples"`
	Statistics overheadStatsJSON   `json:"statistics"`
}

type counterSamplesJSON struct {
	Schema map[string]int `json:"schema"`
	Data   [][]float64    `json:"data"`
}

type counterJSON struct {
	Name        string             `json:"name"`
	Category    string             `json:"category"`
	Description string             `json:"description"`
	Samples     counterSamplesJSON `json:"samples"`
}

type samplesJSON struct {
	Schema map[string]int `json:"schema"`
	Data   [][]*float64   `json:"data"`
}

type markersJSON struct {
	Schema map[string]int    `json:"schema"`
	Data   []json.RawMessage `json:"data"`
}

type stackTableJSON struct {
	Schema map[string]int `json:"schema"`
	Data   [][]*int       `json:"data"`
}

type frameTableJSON struct {
	Schema map[string]int `json:"schema"`
	Data   [][]*int       `json:"data"`
}

type threadJSON struct {
	Name           string         `json:"name"`
	ProcessType    string         `json:"processType"`
	ProcessName    string         `json:"processName"`
	IsMainThread   bool           `json:"isMainThread"`
	RegisterTime   float64        `json:"registerTime"`
	UnregisterTime *float64       `json:"unregisterTime"`
	Pid            int            `json:"pid"`
	Tid            uint64         `json:"tid"`
	Samples        samplesJSON    `json:"samples"`
	Markers        markersJSON    `json:"markers"`
	StackTable     stackTableJSON `json:"stackTable"`
	FrameTable     frameTableJSON `json:"frameTable"`
	StringTable    []string       `json:"stringTable"`
}

type pausedRangeJSON struct {
	StartTime *float64 `json:"startTime"`
	EndTime   *float64 `json:"endTime"`
	Reason    string   `json:"reason"`
}

type profileDoc struct {
	Libs             []Library         `json:"libs"`
	Meta             profileMeta       `json:"meta"`
	Pages            []pageJSON        `json:"pages"`
	ProfilerOverhead *overheadJSON     `json:"profilerOverhead,omitempty"`
	Counters         []counterJSON     `json:"counters"`
	Threads          []threadJSON      `json:"threads"`
	PausedRanges     []pausedRangeJSON `json:"pausedRanges"`
	Processes        []json.RawMessage `json:"processes,omitempty"`
}

// GetProfile serializes the current buffer contents as a profile document.
// sinceMs excludes samples and markers older than that process-relative time;
// 0 keeps everything the ring still holds. Fails when no session is active.
func GetProfile(sinceMs float64, isShuttingDown bool) (string, error) {
	return getProfile(sinceMs, isShuttingDown, false)
}

// SaveProfileToFile writes the current profile document, wrapped with the
// drained exit profiles of peer processes, to the given path.
func SaveProfileToFile(path string) error {
	doc, err := getProfile(0, true, true)
	if err != nil {
		return err
	}
	if err := safe.WriteFileAtomic(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}
	log := logger()
	log.Info().Str("path", path).Msg("profile saved")
	return nil
}

func getProfile(sinceMs float64, isShuttingDown, withProcesses bool) (string, error) {
	reg := registryPtr.Load()
	if reg == nil {
		return "", fmt.Errorf("profiler not initialized")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := reg.session
	if s == nil {
		return "", fmt.Errorf("no active session")
	}

	collectionStart := reg.nowMs()

	s.discardExpiredDeadRecords()
	s.clearExpiredExitProfiles()
	if s.duration > 0 {
		s.buffer.DiscardSamplesBeforeTime(collectionStart - float64(s.duration)/float64(time.Millisecond))
	}

	scan := scanBuffer(s.buffer, sinceMs)

	doc := profileDoc{
		Libs:         emptyIfNilLibs(enumerateLibraries()),
		Meta:         buildMeta(reg, s, isShuttingDown),
		Pages:        buildPages(reg, s),
		Counters:     buildCounters(reg, scan),
		Threads:      buildThreads(reg, s, scan),
		PausedRanges: buildPausedRanges(s, scan),
	}
	doc.ProfilerOverhead = buildOverhead(s.buffer.Overhead(), scan)
	if withProcesses {
		for _, e := range s.exits {
			doc.Processes = append(doc.Processes, json.RawMessage(e.json))
		}
		s.exits = nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("serializing profile: %w", err)
	}

	s.buffer.AddEntry(entries.CollectionStart(collectionStart))
	s.buffer.AddEntry(entries.CollectionEnd(reg.nowMs()))
	return string(out), nil
}

func emptyIfNilLibs(libs []Library) []Library {
	if libs == nil {
		return []Library{}
	}
	return libs
}

func buildMeta(reg *Registry, s *ActiveSession, isShuttingDown bool) profileMeta {
	m := profileMeta{
		Version:    profileVersion,
		StartTime:  reg.wallStartMs,
		Interval:   s.intervalMs,
		Categories: profileCategories,
		Product:    reg.processName,
	}
	if s.features.Has(FeatureStackWalk) {
		m.Stackwalk = 1
	}
	if isShuttingDown {
		ms := reg.nowMs()
		m.ShutdownTime = &ms
	}
	if n, err := cpu.Counts(false); err == nil {
		m.PhysicalCPUs = n
	}
	if n, err := cpu.Counts(true); err == nil {
		m.LogicalCPUs = n
	}
	return m
}

func buildPages(reg *Registry, s *ActiveSession) []pageJSON {
	out := []pageJSON{}
	emit := func(p *PageRegistration) {
		out = append(out, pageJSON{
			BrowsingContextID:     p.BrowsingContextID,
			InnerWindowID:         p.InnerWindowID,
			URL:                   p.URL,
			EmbedderInnerWindowID: p.EmbedderInnerWindowID,
		})
	}
	for _, p := range reg.pages {
		emit(p)
	}
	for _, p := range s.deadPages {
		emit(p)
	}
	return out
}

// bufferScan is one decoded pass over the core ring, grouped by consumer.
type bufferScan struct {
	samples  map[uint64][]sampleRec
	markers  map[uint64][]entries.MarkerData
	counters map[uint64][]counterRec
	overhead [][]float64
	pauses   []pauseRec
}

type sampleRec struct {
	pos    entries.Position
	timeMs float64
	frames []frameRec
}

type frameRec struct {
	label *entries.LabelFrame // nil for a native frame
	pc    uint64
}

type counterRec struct {
	timeMs float64
	count  int64
	number uint64
	hasNum bool
}

type pauseRec struct {
	timeMs float64
	pause  bool
}

// scanBuffer decodes the whole ring once and buckets its entries. Samples and
// markers older than sinceMs are dropped here so later stages need no time
// checks. Marker entries may interleave with a sample's frames because their
// writers bypass the directory mutex; they do not terminate the sample.
func scanBuffer(pb *entries.ProfileBuffer, sinceMs float64) *bufferScan {
	scan := &bufferScan{
		samples:  make(map[uint64][]sampleRec),
		markers:  make(map[uint64][]entries.MarkerData),
		counters: make(map[uint64][]counterRec),
	}

	var cur *sampleRec
	var curTID uint64
	var curCounter uint64
	flush := func() {
		if cur != nil && cur.timeMs >= sinceMs {
			scan.samples[curTID] = append(scan.samples[curTID], *cur)
		}
		cur = nil
		curCounter = 0
	}

	pb.ReadEach(func(pos entries.Position, e entries.Entry) bool {
		switch e.Kind {
		case entries.KindThreadID:
			flush()
			curTID = e.Uint64()
			cur = &sampleRec{pos: pos}
		case entries.KindTime:
			if cur != nil {
				cur.timeMs = e.Float64()
			} else if curCounter != 0 {
				recs := scan.counters[curCounter]
				if len(recs) > 0 {
					recs[len(recs)-1].timeMs = e.Float64()
				}
			}
		case entries.KindLabel:
			if cur != nil {
				cur.frames = append(cur.frames, frameRec{label: e.Label})
			}
		case entries.KindNativeLeafAddr:
			if cur != nil {
				cur.frames = append(cur.frames, frameRec{pc: e.Uint64()})
			}
		case entries.KindCounterID:
			flush()
			curCounter = e.Uint64()
			scan.counters[curCounter] = append(scan.counters[curCounter], counterRec{})
		case entries.KindCounterKey:
			// Single-key counters; nothing to record.
		case entries.KindCount:
			if curCounter != 0 {
				recs := scan.counters[curCounter]
				if len(recs) > 0 {
					recs[len(recs)-1].count = e.Int64()
				}
			}
		case entries.KindNumber:
			if curCounter != 0 {
				recs := scan.counters[curCounter]
				if len(recs) > 0 {
					recs[len(recs)-1].number = e.Uint64()
					recs[len(recs)-1].hasNum = true
				}
			}
		case entries.KindMarkerData:
			if e.Marker.TimeMs >= sinceMs {
				scan.markers[e.Marker.ThreadID] = append(scan.markers[e.Marker.ThreadID], *e.Marker)
			}
		case entries.KindPause:
			flush()
			scan.pauses = append(scan.pauses, pauseRec{timeMs: e.Float64(), pause: true})
		case entries.KindResume:
			flush()
			scan.pauses = append(scan.pauses, pauseRec{timeMs: e.Float64(), pause: false})
		case entries.KindOverhead:
			flush()
			o := e.Overhead
			scan.overhead = append(scan.overhead, []float64{
				o.TimeMs, o.LockingMs, o.CleaningMs, o.CountersMs, o.ThreadsMs,
			})
		default:
			flush()
		}
		return true
	})
	flush()
	return scan
}

func buildCounters(reg *Registry, scan *bufferScan) []counterJSON {
	out := []counterJSON{}
	for _, sc := range reg.counters {
		recs := scan.counters[sc.id]
		data := make([][]float64, 0, len(recs))
		for _, r := range recs {
			row := []float64{r.timeMs, float64(r.count)}
			if r.hasNum {
				row = append(row, float64(r.number))
			}
			data = append(data, row)
		}
		out = append(out, counterJSON{
			Name:        sc.c.Name(),
			Category:    sc.c.Category(),
			Description: sc.c.Description(),
			Samples: counterSamplesJSON{
				Schema: map[string]int{"time": 0, "count": 1, "number": 2},
				Data:   data,
			},
		})
	}
	return out
}

func buildOverhead(stats entries.OverheadStats, scan *bufferScan) *overheadJSON {
	if stats.SamplingCount == 0 && len(scan.overhead) == 0 {
		return nil
	}
	profiled := stats.Intervals.Sum
	overheads := stats.Overheads.Sum
	var pct float64
	if profiled > 0 {
		pct = overheads / profiled
	}
	return &overheadJSON{
		Samples: overheadSamplesJSON{
			Schema: map[string]int{
				"time": 0, "locking": 1, "expiredMarkerCleaning": 2, "counters": 3, "threads": 4,
			},
			Data: scan.overhead,
		},
		Statistics: overheadStatsJSON{
			MaxCleaning:  stats.Cleanings.Max,
			MaxCounter:   stats.Counters.Max,
			MaxInterval:  stats.Intervals.Max,
			MaxLockings:  stats.Lockings.Max,
			MaxOverhead:  stats.Overheads.Max,
			MaxThread:    stats.Threads.Max,
			MeanCleaning: stats.Cleanings.Mean(),
			MeanCounter:  stats.Counters.Mean(),
			MeanInterval: stats.Intervals.Mean(),
			MeanLockings: stats.Lockings.Mean(),
			MeanOverhead: stats.Overheads.Mean(),
			MeanThread:   stats.Threads.Mean(),
			MinCleaning:  stats.Cleanings.Min,
			MinCounter:   stats.Counters.Min,
			MinInterval:  stats.Intervals.Min,
			MinLockings:  stats.Lockings.Min,
			MinOverhead:  stats.Overheads.Min,
			MinThread:    stats.Threads.Min,

			OverheadDurations:  overheads,
			OverheadPercentage: pct,
			ProfiledDuration:   profiled,
			SamplingCount:      stats.SamplingCount,
		},
	}
}

func buildThreads(reg *Registry, s *ActiveSession, scan *bufferScan) []threadJSON {
	type pending struct {
		info ThreadInfo
		dead bool
		upTo entries.Position
	}
	var list []pending
	for _, rec := range s.liveRecords {
		list = append(list, pending{info: rec.info})
	}
	for _, rec := range s.deadRecords {
		list = append(list, pending{info: rec.info, dead: true, upTo: rec.unregisterPos})
	}
	// Ascending by register time.
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].info.RegisterTime.Before(list[j-1].info.RegisterTime); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}

	pid := os.Getpid()
	out := []threadJSON{}
	for _, p := range list {
		samples := scan.samples[p.info.TID]
		if p.dead {
			kept := make([]sampleRec, 0, len(samples))
			for _, rec := range samples {
				if rec.pos < p.upTo {
					kept = append(kept, rec)
				}
			}
			samples = kept
		}
		out = append(out, buildThread(reg, p.info, pid, samples, scan.markers[p.info.TID]))
	}
	return out
}

// tables interns strings, frames and stack nodes for one thread, keyed by
// xxh3 hashes.
type tables struct {
	strings   []string
	stringIdx map[uint64]int
	frameRows [][]*int
	frameIdx  map[uint64]int
	stackRows [][]*int
	stackIdx  map[uint64]int
}

func newTables() *tables {
	return &tables{
		stringIdx: make(map[uint64]int),
		frameIdx:  make(map[uint64]int),
		stackIdx:  make(map[uint64]int),
	}
}

func (t *tables) internString(s string) int {
	h := xxh3.HashString(s)
	if i, ok := t.stringIdx[h]; ok {
		return i
	}
	i := len(t.strings)
	t.strings = append(t.strings, s)
	t.stringIdx[h] = i
	return i
}

func (t *tables) internFrame(location string, category uint32) int {
	var key [12]byte
	binary.LittleEndian.PutUint64(key[:8], xxh3.HashString(location))
	binary.LittleEndian.PutUint32(key[8:], category)
	h := xxh3.Hash(key[:])
	if i, ok := t.frameIdx[h]; ok {
		return i
	}
	loc := t.internString(location)
	cat := int(category)
	i := len(t.frameRows)
	t.frameRows = append(t.frameRows, []*int{&loc, &cat})
	t.frameIdx[h] = i
	return i
}

func (t *tables) internStack(prefix *int, frame int) int {
	var key [16]byte
	if prefix != nil {
		binary.LittleEndian.PutUint64(key[:8], uint64(*prefix)+1)
	}
	binary.LittleEndian.PutUint64(key[8:], uint64(frame))
	h := xxh3.Hash(key[:])
	if i, ok := t.stackIdx[h]; ok {
		return i
	}
	f := frame
	i := len(t.stackRows)
	t.stackRows = append(t.stackRows, []*int{prefix, &f})
	t.stackIdx[h] = i
	return i
}

func buildThread(reg *Registry, info ThreadInfo, pid int, samples []sampleRec, markers []entries.MarkerData) threadJSON {
	t := newTables()

	sampleRows := make([][]*float64, 0, len(samples))
	for _, rec := range samples {
		var stack *int
		var prefix *int
		for _, f := range rec.frames {
			var idx int
			if f.label != nil {
				idx = t.internFrame(frameLocation(f.label), f.label.Category)
			} else {
				idx = t.internFrame(pcLocation(f.pc), CategoryOther)
			}
			n := t.internStack(prefix, idx)
			node := n
			prefix = &node
			stack = &node
		}
		var stackF *float64
		if stack != nil {
			v := float64(*stack)
			stackF = &v
		}
		tm := rec.timeMs
		sampleRows = append(sampleRows, []*float64{stackF, &tm})
	}

	markerRows := make([]json.RawMessage, 0, len(markers))
	for _, m := range markers {
		nameIdx := t.internString(m.Name)
		row := []any{nameIdx, m.TimeMs, m.Category}
		if m.PayloadJSON != "" {
			row = append(row, json.RawMessage(m.PayloadJSON))
		} else {
			row = append(row, nil)
		}
		b, err := json.Marshal(row)
		if err != nil {
			continue
		}
		markerRows = append(markerRows, b)
	}

	return threadJSON{
		Name:         info.Name,
		ProcessType:  "default",
		ProcessName:  reg.processName,
		IsMainThread: info.IsMain,
		RegisterTime: reg.elapsedMs(info.RegisterTime),
		Pid:          pid,
		Tid:          info.TID,
		Samples: samplesJSON{
			Schema: map[string]int{"stack": 0, "time": 1},
			Data:   sampleRows,
		},
		Markers: markersJSON{
			Schema: map[string]int{"name": 0, "time": 1, "category": 2, "data": 3},
			Data:   markerRows,
		},
		StackTable: stackTableJSON{
			Schema: map[string]int{"prefix": 0, "frame": 1},
			Data:   emptyIfNilRows(t.stackRows),
		},
		FrameTable: frameTableJSON{
			Schema: map[string]int{"location": 0, "category": 1},
			Data:   emptyIfNilRows(t.frameRows),
		},
		StringTable: emptyIfNilStrings(t.strings),
	}
}

func emptyIfNilRows(rows [][]*int) [][]*int {
	if rows == nil {
		return [][]*int{}
	}
	return rows
}

func emptyIfNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func buildPausedRanges(s *ActiveSession, scan *bufferScan) []pausedRangeJSON {
	out := []pausedRangeJSON{}
	var open *float64
	for _, p := range scan.pauses {
		if p.pause {
			ms := p.timeMs
			open = &ms
			continue
		}
		end := p.timeMs
		out = append(out, pausedRangeJSON{StartTime: open, EndTime: &end, Reason: "profiler-paused"})
		open = nil
	}
	if s.paused {
		// Half-open range; a pause older than the ring window has no start.
		out = append(out, pausedRangeJSON{StartTime: open, Reason: "profiler-paused"})
	}
	return out
}

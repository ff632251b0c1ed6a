package profiler

import (
	"encoding/json"
	"time"

	"github.com/baseprof/baseprof/internal/profiler/entries"
)

// MarkerPayload is optional structured data attached to a marker. The JSON
// form lands verbatim in the profile document's marker table.
type MarkerPayload interface {
	// MarkerStartTime returns the payload's own start time when it has
	// one; markers without it are stamped at the write time.
	MarkerStartTime() (time.Time, bool)
	// MarkerJSON returns the payload serialized as a JSON object, or ""
	// for no data.
	MarkerJSON() string
}

// TracingPayload marks the start or end of a named interval.
type TracingPayload struct {
	Category string
	Interval string // "start" or "end"
	Start    time.Time
}

func (p TracingPayload) MarkerStartTime() (time.Time, bool) {
	return p.Start, !p.Start.IsZero()
}

func (p TracingPayload) MarkerJSON() string {
	b, err := json.Marshal(struct {
		Type     string `json:"type"`
		Category string `json:"category"`
		Interval string `json:"interval"`
	}{Type: "tracing", Category: p.Category, Interval: p.Interval})
	if err != nil {
		return ""
	}
	return string(b)
}

// TextPayload attaches free-form text, optionally spanning an interval.
type TextPayload struct {
	Text  string
	Start time.Time
	End   time.Time
}

func (p TextPayload) MarkerStartTime() (time.Time, bool) {
	return p.Start, !p.Start.IsZero()
}

func (p TextPayload) MarkerJSON() string {
	doc := struct {
		Type string   `json:"type"`
		Name string   `json:"name"`
		End  *float64 `json:"endTime,omitempty"`
	}{Type: "text", Name: p.Text}
	if !p.End.IsZero() {
		ms := float64(p.End.UnixMilli())
		doc.End = &ms
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(b)
}

// AddMarker records a marker for the calling thread. Nothing happens unless
// a session is active, unpaused, without the privacy feature, and the thread
// is registered and being profiled. The write goes straight to the core
// ring; the directory mutex is never taken.
func AddMarker(name, category string, payload MarkerPayload) {
	if !racy.isActiveAndUnpausedWithoutPrivacy() {
		return
	}
	addMarkerForTID(currentThreadID(), name, category, payload)
}

// AddMarkerForThread records a marker attributed to another thread.
func AddMarkerForThread(tid uint64, name, category string, payload MarkerPayload) {
	if !racy.isActiveAndUnpausedWithoutPrivacy() {
		return
	}
	addMarkerForTID(tid, name, category, payload)
}

func addMarkerForTID(tid uint64, name, category string, payload MarkerPayload) {
	reg := registryPtr.Load()
	if reg == nil {
		return
	}
	r := reg.racyRegs.lookup(tid)
	if r == nil || !r.IsBeingProfiled() {
		return
	}

	origin := time.Now()
	var payloadJSON string
	if payload != nil {
		if t, ok := payload.MarkerStartTime(); ok {
			origin = t
		}
		payloadJSON = payload.MarkerJSON()
	}

	reg.coreBuffer().AddEntry(entries.MarkerEntry(entries.MarkerData{
		ThreadID:    tid,
		TimeMs:      reg.elapsedMs(origin),
		Name:        name,
		Category:    category,
		PayloadJSON: payloadJSON,
	}))
}

// TracingMarker records an interval start or end marker.
func TracingMarker(category, name, interval string) {
	AddMarker(name, category, TracingPayload{Category: category, Interval: interval})
}

// TextMarker records a marker carrying free-form text.
func TextMarker(name, text string) {
	AddMarker(name, "OTHER", TextPayload{Text: text})
}

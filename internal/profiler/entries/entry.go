// Package entries defines the typed entry stream stored in a profile ring
// buffer. Each entry is one ring-buffer block: a 1-byte kind tag followed by
// a fixed 8-byte payload, or a variable-length body for label frames, marker
// data and overhead records. The encoding is stable within a build only; the
// buffer is never persisted across versions.
package entries

import (
	"encoding/binary"
	"errors"
	"math"
)

// Kind tags an entry variant.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindThreadID
	KindTime
	KindNativeLeafAddr
	KindLabel
	KindCounterID
	KindCounterKey
	KindCount
	KindNumber
	KindPause
	KindResume
	KindCollectionStart
	KindCollectionEnd
	KindMarkerData
	KindOverhead
)

func (k Kind) String() string {
	switch k {
	case KindThreadID:
		return "ThreadId"
	case KindTime:
		return "Time"
	case KindNativeLeafAddr:
		return "NativeLeafAddr"
	case KindLabel:
		return "Label"
	case KindCounterID:
		return "CounterId"
	case KindCounterKey:
		return "CounterKey"
	case KindCount:
		return "Count"
	case KindNumber:
		return "Number"
	case KindPause:
		return "Pause"
	case KindResume:
		return "Resume"
	case KindCollectionStart:
		return "CollectionStart"
	case KindCollectionEnd:
		return "CollectionEnd"
	case KindMarkerData:
		return "MarkerData"
	case KindOverhead:
		return "Overhead"
	}
	return "Invalid"
}

// ErrTruncated reports a block too short for its declared kind.
var ErrTruncated = errors.New("entries: truncated entry")

// Entry is a decoded buffer entry. Fixed-payload kinds use the scalar field;
// variable kinds carry their decoded structure in Label, Marker or Overhead.
type Entry struct {
	Kind Kind

	scalar uint64

	Label    *LabelFrame
	Marker   *MarkerData
	Overhead *OverheadRecord
}

// LabelFrame is the body of a KindLabel entry: one instrumentation frame
// collected into a sample.
type LabelFrame struct {
	Category uint32
	Label    string
	Dynamic  string
}

// MarkerData is the body of a KindMarkerData entry.
type MarkerData struct {
	ThreadID    uint64
	TimeMs      float64
	Name        string
	Category    string
	PayloadJSON string
}

// OverheadRecord is the body of a KindOverhead entry: the per-iteration
// timing breakdown of one sampler pass, all in milliseconds.
type OverheadRecord struct {
	TimeMs     float64
	LockingMs  float64
	CleaningMs float64
	CountersMs float64
	ThreadsMs  float64
}

// Uint64 returns the fixed payload as an unsigned integer.
func (e Entry) Uint64() uint64 { return e.scalar }

// Int64 returns the fixed payload as a signed integer.
func (e Entry) Int64() int64 { return int64(e.scalar) }

// Float64 returns the fixed payload as a float.
func (e Entry) Float64() float64 { return math.Float64frombits(e.scalar) }

// ThreadID returns a ThreadId entry.
func ThreadID(tid uint64) Entry { return Entry{Kind: KindThreadID, scalar: tid} }

// Time returns a Time entry holding milliseconds since process start.
func Time(ms float64) Entry { return Entry{Kind: KindTime, scalar: math.Float64bits(ms)} }

// NativeLeafAddr returns a leaf program-counter entry.
func NativeLeafAddr(pc uint64) Entry { return Entry{Kind: KindNativeLeafAddr, scalar: pc} }

// CounterID returns a counter-identity entry.
func CounterID(id uint64) Entry { return Entry{Kind: KindCounterID, scalar: id} }

// CounterKey returns a counter-key entry.
func CounterKey(key uint64) Entry { return Entry{Kind: KindCounterKey, scalar: key} }

// Count returns a counter count-delta entry.
func Count(v int64) Entry { return Entry{Kind: KindCount, scalar: uint64(v)} }

// Number returns a counter number entry.
func Number(v uint64) Entry { return Entry{Kind: KindNumber, scalar: v} }

// Pause returns a pause timestamp entry.
func Pause(ms float64) Entry { return Entry{Kind: KindPause, scalar: math.Float64bits(ms)} }

// Resume returns a resume timestamp entry.
func Resume(ms float64) Entry { return Entry{Kind: KindResume, scalar: math.Float64bits(ms)} }

// CollectionStart returns a collection-start timestamp entry.
func CollectionStart(ms float64) Entry {
	return Entry{Kind: KindCollectionStart, scalar: math.Float64bits(ms)}
}

// CollectionEnd returns a collection-end timestamp entry.
func CollectionEnd(ms float64) Entry {
	return Entry{Kind: KindCollectionEnd, scalar: math.Float64bits(ms)}
}

// LabelEntry returns a label-frame entry.
func LabelEntry(f LabelFrame) Entry {
	lf := f
	return Entry{Kind: KindLabel, Label: &lf}
}

// MarkerEntry returns a marker-data entry.
func MarkerEntry(m MarkerData) Entry {
	md := m
	return Entry{Kind: KindMarkerData, Marker: &md}
}

// OverheadEntry returns an overhead-record entry.
func OverheadEntry(r OverheadRecord) Entry {
	or := r
	return Entry{Kind: KindOverhead, Overhead: &or}
}

// Encode serializes the entry into a fresh byte slice.
func (e Entry) Encode() []byte {
	switch e.Kind {
	case KindLabel:
		return encodeLabel(*e.Label)
	case KindMarkerData:
		return encodeMarker(*e.Marker)
	case KindOverhead:
		return encodeOverhead(*e.Overhead)
	default:
		var b [9]byte
		b[0] = byte(e.Kind)
		binary.LittleEndian.PutUint64(b[1:], e.scalar)
		return b[:]
	}
}

func encodeLabel(f LabelFrame) []byte {
	b := make([]byte, 1, 1+binary.MaxVarintLen32+len(f.Label)+len(f.Dynamic)+2*binary.MaxVarintLen32)
	b[0] = byte(KindLabel)
	b = binary.AppendUvarint(b, uint64(f.Category))
	b = appendString(b, f.Label)
	b = appendString(b, f.Dynamic)
	return b
}

func encodeMarker(m MarkerData) []byte {
	b := make([]byte, 1, 32+len(m.Name)+len(m.Category)+len(m.PayloadJSON))
	b[0] = byte(KindMarkerData)
	b = binary.AppendUvarint(b, m.ThreadID)
	b = binary.LittleEndian.AppendUint64(b, math.Float64bits(m.TimeMs))
	b = appendString(b, m.Name)
	b = appendString(b, m.Category)
	b = appendString(b, m.PayloadJSON)
	return b
}

func encodeOverhead(r OverheadRecord) []byte {
	b := make([]byte, 1, 1+5*8)
	b[0] = byte(KindOverhead)
	for _, v := range [...]float64{r.TimeMs, r.LockingMs, r.CleaningMs, r.CountersMs, r.ThreadsMs} {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// Decode parses one entry from a ring-buffer block body.
func Decode(body []byte) (Entry, error) {
	if len(body) == 0 {
		return Entry{}, ErrTruncated
	}
	k := Kind(body[0])
	rest := body[1:]
	switch k {
	case KindLabel:
		return decodeLabel(rest)
	case KindMarkerData:
		return decodeMarker(rest)
	case KindOverhead:
		return decodeOverhead(rest)
	case KindThreadID, KindTime, KindNativeLeafAddr, KindCounterID, KindCounterKey,
		KindCount, KindNumber, KindPause, KindResume, KindCollectionStart, KindCollectionEnd:
		if len(rest) < 8 {
			return Entry{}, ErrTruncated
		}
		return Entry{Kind: k, scalar: binary.LittleEndian.Uint64(rest)}, nil
	}
	return Entry{}, ErrTruncated
}

func decodeLabel(b []byte) (Entry, error) {
	cat, n := binary.Uvarint(b)
	if n <= 0 {
		return Entry{}, ErrTruncated
	}
	b = b[n:]
	label, b, err := readString(b)
	if err != nil {
		return Entry{}, err
	}
	dynamic, _, err := readString(b)
	if err != nil {
		return Entry{}, err
	}
	return LabelEntry(LabelFrame{Category: uint32(cat), Label: label, Dynamic: dynamic}), nil
}

func decodeMarker(b []byte) (Entry, error) {
	tid, n := binary.Uvarint(b)
	if n <= 0 {
		return Entry{}, ErrTruncated
	}
	b = b[n:]
	if len(b) < 8 {
		return Entry{}, ErrTruncated
	}
	timeMs := math.Float64frombits(binary.LittleEndian.Uint64(b))
	b = b[8:]
	name, b, err := readString(b)
	if err != nil {
		return Entry{}, err
	}
	category, b, err := readString(b)
	if err != nil {
		return Entry{}, err
	}
	payload, _, err := readString(b)
	if err != nil {
		return Entry{}, err
	}
	return MarkerEntry(MarkerData{
		ThreadID: tid, TimeMs: timeMs, Name: name, Category: category, PayloadJSON: payload,
	}), nil
}

func decodeOverhead(b []byte) (Entry, error) {
	if len(b) < 5*8 {
		return Entry{}, ErrTruncated
	}
	var vals [5]float64
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return OverheadEntry(OverheadRecord{
		TimeMs: vals[0], LockingMs: vals[1], CleaningMs: vals[2],
		CountersMs: vals[3], ThreadsMs: vals[4],
	}), nil
}

func readString(b []byte) (string, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return "", nil, ErrTruncated
	}
	return string(b[n : n+int(l)]), b[n+int(l):], nil
}

package entries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedEntryEncodeDecode(t *testing.T) {
	e := ThreadID(4242)
	got, err := Decode(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, KindThreadID, got.Kind)
	assert.Equal(t, uint64(4242), got.Uint64())

	e = Time(123.5)
	got, err = Decode(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, KindTime, got.Kind)
	assert.Equal(t, 123.5, got.Float64())

	e = Count(-7)
	got, err = Decode(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, int64(-7), got.Int64())
}

func TestLabelEntryEncodeDecode(t *testing.T) {
	e := LabelEntry(LabelFrame{Category: 3, Label: "Layout", Dynamic: "reflow #12"})
	got, err := Decode(e.Encode())
	require.NoError(t, err)
	require.Equal(t, KindLabel, got.Kind)
	require.NotNil(t, got.Label)
	assert.Equal(t, uint32(3), got.Label.Category)
	assert.Equal(t, "Layout", got.Label.Label)
	assert.Equal(t, "reflow #12", got.Label.Dynamic)
}

func TestMarkerEntryEncodeDecode(t *testing.T) {
	m := MarkerData{
		ThreadID:    17,
		TimeMs:      99.25,
		Name:        "GC",
		Category:    "OTHER",
		PayloadJSON: `{"type":"tracing","interval":"start"}`,
	}
	got, err := Decode(MarkerEntry(m).Encode())
	require.NoError(t, err)
	require.Equal(t, KindMarkerData, got.Kind)
	require.NotNil(t, got.Marker)
	assert.Equal(t, m, *got.Marker)
}

func TestOverheadEntryEncodeDecode(t *testing.T) {
	r := OverheadRecord{TimeMs: 1000, LockingMs: 0.1, CleaningMs: 0.2, CountersMs: 0.3, ThreadsMs: 0.4}
	got, err := Decode(OverheadEntry(r).Encode())
	require.NoError(t, err)
	require.Equal(t, KindOverhead, got.Kind)
	require.NotNil(t, got.Overhead)
	assert.Equal(t, r, *got.Overhead)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(nil)
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte{byte(KindTime), 1, 2})
	require.ErrorIs(t, err, ErrTruncated)

	full := MarkerEntry(MarkerData{Name: "x"}).Encode()
	_, err = Decode(full[:len(full)-1])
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrTruncated)
}

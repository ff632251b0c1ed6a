package safe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64ToUint32(t *testing.T) {
	tests := []struct {
		name    string
		input   uint64
		want    uint32
		clamped bool
	}{
		{"zero", 0, 0, false},
		{"small value", 12345, 12345, false},
		{"max uint32", math.MaxUint32, math.MaxUint32, false},
		{"max uint32 plus one", math.MaxUint32 + 1, math.MaxUint32, true},
		{"max uint64", math.MaxUint64, math.MaxUint32, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, clamped := Uint64ToUint32(tc.input)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.clamped, clamped)
		})
	}
}

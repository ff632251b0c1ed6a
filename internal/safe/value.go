// Package safe provides overflow-checked numeric conversions and file
// write helpers used around the sample buffer.
package safe

import (
	"math"
)

// Uint64ToUint32 converts val to uint32, clamping to math.MaxUint32 if
// overflow would occur.
// Returns the converted value and a boolean indicating whether clamping
// occurred.
func Uint64ToUint32(val uint64) (uint32, bool) {
	if val > math.MaxUint32 {
		return math.MaxUint32, true
	}
	return uint32(val), false
}

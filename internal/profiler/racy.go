package profiler

import "sync/atomic"

// racyFlags packs the session's hot-path state into one atomic word so that
// marker and label producers can early-out without any lock. Bit 0 is
// "active", bit 1 is "paused", the feature bits sit above them. The word is
// a hint only: callers needing certainty re-check under the directory mutex.
//
// Ordering: on start the active bit is set last, after the session is fully
// constructed; on stop it is cleared first, before teardown begins.
type racyFlags struct {
	bits atomic.Uint32
}

const (
	racyActive uint32 = 1 << 0
	racyPaused uint32 = 1 << 1

	racyFeatureShift = 2
)

func (r *racyFlags) setActive(features Features) {
	r.bits.Store(racyActive | uint32(features)<<racyFeatureShift)
}

func (r *racyFlags) setInactive() {
	r.bits.Store(0)
}

func (r *racyFlags) setPaused() {
	for {
		old := r.bits.Load()
		if r.bits.CompareAndSwap(old, old|racyPaused) {
			return
		}
	}
}

func (r *racyFlags) setUnpaused() {
	for {
		old := r.bits.Load()
		if r.bits.CompareAndSwap(old, old&^racyPaused) {
			return
		}
	}
}

func (r *racyFlags) isActive() bool {
	return r.bits.Load()&racyActive != 0
}

func (r *racyFlags) isPaused() bool {
	return r.bits.Load()&racyPaused != 0
}

func (r *racyFlags) features() Features {
	return Features(r.bits.Load() >> racyFeatureShift)
}

func (r *racyFlags) isActiveWithFeature(f Features) bool {
	bits := r.bits.Load()
	return bits&racyActive != 0 && Features(bits>>racyFeatureShift).Has(f)
}

func (r *racyFlags) isActiveAndUnpausedWithoutPrivacy() bool {
	bits := r.bits.Load()
	if bits&(racyActive|racyPaused) != racyActive {
		return false
	}
	return Features(bits>>racyFeatureShift)&FeaturePrivacy == 0
}

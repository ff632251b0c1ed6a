package profiler

import "sync/atomic"

// Counter is a sampled process-wide quantity (allocations, bandwidth, ...).
// Implementations are owned by their creator; the profiler only samples
// them. Sample is called once per sampler iteration and returns the count
// delta since the previous call plus an optional absolute number.
type Counter interface {
	Name() string
	Category() string
	Description() string
	Sample() (count int64, number uint64)
}

var counterIDs atomic.Uint64

// sampledCounter pairs a registered counter with the stable id written into
// CounterId entries.
type sampledCounter struct {
	id uint64
	c  Counter
}

func newSampledCounter(c Counter) sampledCounter {
	return sampledCounter{id: counterIDs.Add(1), c: c}
}

// AtomicCounter is a ready-made Counter fed by Add calls from any thread.
type AtomicCounter struct {
	name        string
	category    string
	description string

	count  atomic.Int64
	number atomic.Uint64
}

// NewAtomicCounter returns a counter with the given identity.
func NewAtomicCounter(name, category, description string) *AtomicCounter {
	return &AtomicCounter{name: name, category: category, description: description}
}

// Add accumulates a count delta.
func (c *AtomicCounter) Add(delta int64) { c.count.Add(delta) }

// SetNumber sets the absolute number reported alongside the count.
func (c *AtomicCounter) SetNumber(n uint64) { c.number.Store(n) }

func (c *AtomicCounter) Name() string        { return c.name }
func (c *AtomicCounter) Category() string    { return c.category }
func (c *AtomicCounter) Description() string { return c.description }

// Sample drains the accumulated count and reads the current number.
func (c *AtomicCounter) Sample() (int64, uint64) {
	return c.count.Swap(0), c.number.Load()
}

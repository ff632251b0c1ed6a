package profiler

import "github.com/baseprof/baseprof/internal/profiler/entries"

// Collector receives the frames of one merged sample, oldest first.
type Collector interface {
	CollectLabelFrame(f LabelFrame)
	CollectNativeFrame(pc uint64)
	CollectNativeLeafAddr(pc uint64)
}

// mergeStacks interleaves a label stack (oldest first) with a native stack
// (youngest first) into one oldest-first frame sequence, ordered by the
// stack address each frame represents. Stacks grow downward, so the greater
// address is the older frame. A label frame whose address equals a native
// frame's SP subsumes it. OSR frames are skipped; SP-marker frames order the
// merge but are never emitted.
func mergeStacks(labels []LabelFrame, native NativeStack, c Collector) {
	i := 0
	j := len(native.SPs) - 1
	var lastLabelAddr uint64

	for i < len(labels) || j >= 0 {
		if i < len(labels) {
			f := &labels[i]
			if f.Kind == LabelFrameOSR {
				i++
				continue
			}
			if f.StackAddress != 0 {
				lastLabelAddr = f.StackAddress
			}
			labelAddr := lastLabelAddr

			if j < 0 || labelAddr >= native.SPs[j] {
				if j >= 0 && labelAddr == native.SPs[j] {
					// Same address: the label stands in for the
					// native frame.
					j--
				}
				if f.Kind != LabelFrameSPMarker {
					c.CollectLabelFrame(*f)
				}
				i++
				continue
			}
		}
		if j >= 0 {
			c.CollectNativeFrame(native.PCs[j])
			j--
		}
	}
}

// bufferCollector writes merged frames as buffer entries. Used with the
// single-writer staging buffer inside the suspended window.
type bufferCollector struct {
	buf *entries.ProfileBuffer
}

func (bc *bufferCollector) CollectLabelFrame(f LabelFrame) {
	bc.buf.AddEntry(entries.LabelEntry(entries.LabelFrame{
		Category: f.Category,
		Label:    f.Label,
		Dynamic:  f.Dynamic,
	}))
}

func (bc *bufferCollector) CollectNativeFrame(pc uint64) {
	bc.buf.AddEntry(entries.NativeLeafAddr(pc))
}

func (bc *bufferCollector) CollectNativeLeafAddr(pc uint64) {
	bc.buf.AddEntry(entries.NativeLeafAddr(pc))
}

// sampleInto captures one sample for target into buf: native walk when
// enabled, merged with the label stack, with an optional bare leaf frame
// when walking is off. Runs inside the suspended window; buf must be the
// single-writer staging buffer.
func sampleInto(sampler *Sampler, target *Registration, regs Registers, labels []LabelFrame, features Features, buf *entries.ProfileBuffer, scratch *NativeStack) {
	scratch.reset()
	if features.Has(FeatureStackWalk) && regs.PC != 0 {
		sampler.WalkStack(regs, target, scratch)
	}
	mergeStacks(labels, *scratch, &bufferCollector{buf: buf})
	if len(scratch.PCs) == 0 && features.Has(FeatureLeaf) && regs.PC != 0 {
		buf.AddEntry(entries.NativeLeafAddr(regs.PC))
	}
}

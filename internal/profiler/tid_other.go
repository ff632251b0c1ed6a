//go:build !linux

package profiler

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentThreadID falls back to the goroutine id on platforms without a
// cheap gettid equivalent. Callers lock their goroutine to its OS thread
// before registering, which makes the goroutine a faithful stand-in for the
// thread.
func currentThreadID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// First line is "goroutine <id> [...]".
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

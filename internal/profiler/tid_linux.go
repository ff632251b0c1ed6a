//go:build linux

package profiler

import "golang.org/x/sys/unix"

// currentThreadID returns the kernel thread id of the calling thread. Stable
// only while the goroutine is locked to its OS thread.
func currentThreadID() uint64 {
	return uint64(unix.Gettid())
}

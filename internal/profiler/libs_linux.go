//go:build linux

package profiler

import (
	"path/filepath"
	"runtime"
	"sort"

	"github.com/baseprof/baseprof/internal/sys/proc"
)

// systemLibraries builds the libs section from the executable mappings of
// the current process. Segments of the same file are coalesced into one
// library covering their whole address range.
type systemLibraries struct{}

func (systemLibraries) Libraries() []Library {
	maps, err := proc.SelfMaps()
	if err != nil {
		return nil
	}

	byPath := make(map[string]*Library)
	var order []string
	for _, m := range maps {
		if !m.FileBacked() {
			continue
		}
		lib, ok := byPath[m.Path]
		if !ok {
			if !m.Executable() {
				continue
			}
			lib = &Library{
				Start:     m.Start,
				End:       m.End,
				Offset:    m.Offset,
				Name:      filepath.Base(m.Path),
				Path:      m.Path,
				DebugName: filepath.Base(m.Path),
				DebugPath: m.Path,
				Arch:      runtime.GOARCH,
			}
			byPath[m.Path] = lib
			order = append(order, m.Path)
			continue
		}
		if m.Start < lib.Start {
			lib.Start = m.Start
			lib.Offset = m.Offset
		}
		if m.End > lib.End {
			lib.End = m.End
		}
	}

	libs := make([]Library, 0, len(order))
	for _, path := range order {
		libs = append(libs, *byPath[path])
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].Start < libs[j].Start })
	return libs
}

func defaultLibraryEnumerator() LibraryEnumerator {
	return systemLibraries{}
}

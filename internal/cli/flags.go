package cli

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/baseprof/baseprof/internal/profiler"
)

// SessionFlags holds the flag values describing a profiling session.
type SessionFlags struct {
	Entries    uint32
	IntervalMs float64
	WindowSecs float64
	Features   []string
	Filters    []string
}

// SessionParams are the validated Start parameters.
type SessionParams struct {
	Entries    uint32
	IntervalMs float64
	Window     time.Duration
	Features   profiler.Features
	Filters    []string
}

// AddFlags adds the session parameter flags to a FlagSet.
func (f *SessionFlags) AddFlags(flags *pflag.FlagSet) {
	flags.Uint32Var(&f.Entries, "entries", 0, "Buffer capacity in entries (0 uses the default)")
	flags.Float64Var(&f.IntervalMs, "interval", 1, "Sampling interval in milliseconds")
	flags.Float64Var(&f.WindowSecs, "window", 0, "Retention window in seconds (0 keeps everything)")
	flags.StringSliceVar(&f.Features, "features", nil, "Feature names (default: leaf,stackwalk,threads)")
	flags.StringSliceVar(&f.Filters, "filters", nil, "Thread name filters")
}

// Parse validates the flag values and returns session parameters.
func (f *SessionFlags) Parse() (SessionParams, error) {
	params := SessionParams{
		Entries:    f.Entries,
		IntervalMs: f.IntervalMs,
		Features:   profiler.DefaultFeatures,
		Filters:    f.Filters,
	}
	if len(f.Features) > 0 {
		features, err := profiler.ParseFeatures(f.Features)
		if err != nil {
			return params, err
		}
		params.Features = features
	}
	if f.WindowSecs < 0 {
		return params, fmt.Errorf("--window must be non-negative")
	}
	params.Window = time.Duration(f.WindowSecs * float64(time.Second))
	return params, nil
}

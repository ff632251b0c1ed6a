package profiler

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baseprof/baseprof/internal/logging"
)

// Startup environment variables. A child process launched with these set
// starts profiling itself from its own Init.
const (
	envHelp                    = "BASE_PROFILER_HELP"
	envLogging                 = "BASE_PROFILER_LOGGING"
	envDebugLogging            = "BASE_PROFILER_DEBUG_LOGGING"
	envVerboseLogging          = "BASE_PROFILER_VERBOSE_LOGGING"
	envStartup                 = "BASE_PROFILER_STARTUP"
	envStartupEntries          = "BASE_PROFILER_STARTUP_ENTRIES"
	envStartupDuration         = "BASE_PROFILER_STARTUP_DURATION"
	envStartupInterval         = "BASE_PROFILER_STARTUP_INTERVAL"
	envStartupFeaturesBitfield = "BASE_PROFILER_STARTUP_FEATURES_BITFIELD"
	envStartupFeatures         = "BASE_PROFILER_STARTUP_FEATURES"
	envStartupFilters          = "BASE_PROFILER_STARTUP_FILTERS"
	envShutdown                = "BASE_PROFILER_SHUTDOWN"
)

// envConfig is what Init reads from the environment.
type envConfig struct {
	Help         bool
	Logger       zerolog.Logger
	Startup      bool
	Capacity     uint32
	IntervalMs   float64
	Features     Features
	Filters      []string
	Duration     time.Duration
	ShutdownPath string
}

// configFromEnv parses the BASE_PROFILER_* variables through the given
// lookup. A malformed value is an error; absent variables leave defaults.
func configFromEnv(getenv func(string) string) (envConfig, error) {
	cfg := envConfig{
		Logger:     logging.Disabled(),
		Capacity:   DefaultCapacity,
		IntervalMs: DefaultIntervalMs,
		Features:   DefaultFeatures | StartupExtraDefaultFeatures,
	}

	if getenv(envHelp) != "" {
		cfg.Help = true
		return cfg, nil
	}

	cfg.Logger = logging.FromVerbosity(envVerbosity(getenv), nil)
	cfg.ShutdownPath = getenv(envShutdown)

	switch getenv(envStartup) {
	case "", "0", "N", "n":
		return cfg, nil
	default:
		cfg.Startup = true
	}

	if v := getenv(envStartupEntries); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n < 1 || n > math.MaxInt32 {
			return cfg, fmt.Errorf("%s: %q is not a number of entries in [1, %d]", envStartupEntries, v, math.MaxInt32)
		}
		cfg.Capacity = uint32(n)
	}

	if v := getenv(envStartupDuration); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return cfg, fmt.Errorf("%s: %q is not a non-negative number of seconds", envStartupDuration, v)
		}
		cfg.Duration = time.Duration(secs * float64(time.Second))
	}

	if v := getenv(envStartupInterval); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil || ms < 1 || ms > MaxIntervalMs {
			return cfg, fmt.Errorf("%s: %q is not a number of milliseconds in [1, %g]", envStartupInterval, v, MaxIntervalMs)
		}
		cfg.IntervalMs = ms
	}

	// The bitfield form wins over the named-feature form when both are set.
	if v := getenv(envStartupFeaturesBitfield); v != "" {
		bits, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("%s: %q is not a feature bitfield", envStartupFeaturesBitfield, v)
		}
		cfg.Features = Features(bits)
	} else if v := getenv(envStartupFeatures); v != "" {
		features, err := ParseFeatures(splitCSV(v))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", envStartupFeatures, err)
		}
		cfg.Features = features
	}

	if v := getenv(envStartupFilters); v != "" {
		cfg.Filters = splitCSV(v)
	}

	return cfg, nil
}

// envVerbosity maps the three logging variables to a verbosity level; the
// most verbose one set wins.
func envVerbosity(getenv func(string) string) int {
	switch {
	case getenv(envVerboseLogging) != "":
		return 5
	case getenv(envDebugLogging) != "":
		return 4
	case getenv(envLogging) != "":
		return 3
	}
	return 0
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinCSV(parts []string) string {
	return strings.Join(parts, ",")
}

// PrintUsage documents every BASE_PROFILER_* variable on w.
func PrintUsage(w io.Writer) { printUsage(w) }

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Profiler environment variables:

  %s
      Prints this message and exits.
  %s
      Enables logging at info verbosity.
  %s
      Enables logging at debug verbosity.
  %s
      Enables logging at trace verbosity.
  %s
      If unset, or set to "", "0", "N" or "n", profiling does not start at
      Init. Any other value starts a session immediately.
  %s
      Buffer capacity in entries, in [1, %d]. Values below the minimum of
      %d are replaced by the default of %d.
  %s
      Session duration in seconds. 0 or unset keeps all data the buffer
      can hold.
  %s
      Sampling interval in milliseconds, in [1, %g].
  %s
      Features as a decimal bitfield. Overrides %s.
  %s
      Comma-separated feature names. "default" expands to the default set.
      Available features: %s.
  %s
      Comma-separated thread name filters.
  %s
      Path of a profile file written during Shutdown while a session is
      active.
`,
		envHelp,
		envLogging,
		envDebugLogging,
		envVerboseLogging,
		envStartup,
		envStartupEntries, math.MaxInt32, MinimumCapacity, DefaultCapacity,
		envStartupDuration,
		envStartupInterval, MaxIntervalMs,
		envStartupFeaturesBitfield, envStartupFeatures,
		envStartupFeatures, AvailableFeatures().String(),
		envStartupFilters,
		envShutdown,
	)
}

package cli

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseprof/baseprof/internal/profiler"
)

func parseSessionFlags(t *testing.T, args ...string) *SessionFlags {
	t.Helper()
	var f SessionFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return &f
}

func TestSessionFlagsDefaults(t *testing.T) {
	f := parseSessionFlags(t)
	params, err := f.Parse()
	require.NoError(t, err)
	assert.Zero(t, params.Entries)
	assert.Equal(t, float64(1), params.IntervalMs)
	assert.Zero(t, params.Window)
	assert.Equal(t, profiler.DefaultFeatures, params.Features)
	assert.Empty(t, params.Filters)
}

func TestSessionFlagsParse(t *testing.T) {
	f := parseSessionFlags(t,
		"--entries", "4096",
		"--interval", "5",
		"--window", "0.5",
		"--features", "leaf,privacy",
		"--filters", "Main,Worker",
	)
	params, err := f.Parse()
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), params.Entries)
	assert.Equal(t, float64(5), params.IntervalMs)
	assert.Equal(t, 500*time.Millisecond, params.Window)
	assert.Equal(t, profiler.FeatureLeaf|profiler.FeaturePrivacy, params.Features)
	assert.Equal(t, []string{"Main", "Worker"}, params.Filters)
}

func TestSessionFlagsUnknownFeature(t *testing.T) {
	f := parseSessionFlags(t, "--features", "warpdrive")
	_, err := f.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warpdrive")
}

func TestSessionFlagsNegativeWindow(t *testing.T) {
	f := &SessionFlags{IntervalMs: 1, WindowSecs: -1}
	_, err := f.Parse()
	assert.Error(t, err)
}

package cli

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/baseprof/baseprof/internal/profiler"
	"github.com/baseprof/baseprof/internal/safe"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

// newRecordCmd creates the record command.
func newRecordCmd() *cobra.Command {
	var (
		output  string
		runFor  time.Duration
		workers int
		session SessionFlags
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Profile a synthetic workload and write the document",
		Long: `Run a synthetic multi-threaded workload under the sampling profiler
and write the resulting JSON document.

The workload spins a main loop plus worker threads that push label
frames, emit markers and drive a sampled allocation counter, so the
resulting document exercises every section a viewer renders.

Examples:
  # Two seconds of workload at the default 1ms interval
  baseprof record -o profile.json

  # Slower sampling, more workers, only a 500ms retention window
  baseprof record --interval 5 --workers 8 --window 0.5

  # Restrict sampling to the main thread
  baseprof record --features leaf,stackwalk`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := session.Parse()
			if err != nil {
				return err
			}
			if workers < 0 {
				workers = 0
			}

			// The profiler treats the registering goroutine as a thread,
			// so every registered goroutine stays pinned to its OS thread.
			runtime.LockOSThread()
			profiler.Init(0)
			defer profiler.Shutdown()

			if !profiler.IsActive() {
				profiler.Start(params.Entries, params.IntervalMs, params.Features, params.Filters, params.Window)
			}

			runID := uuid.New().String()
			profiler.TextMarker("record.start", runID)

			allocs := profiler.NewAtomicCounter("malloc", "Memory", "synthetic allocations")
			profiler.AddSampledCounter(allocs)
			defer profiler.RemoveSampledCounter(allocs)

			stop := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go runWorker(i, allocs, stop, &wg)
			}

			fmt.Fprintf(os.Stderr, "Recording workload for %s (%d workers)...\n", runFor, workers)
			mainLoop(runFor)

			close(stop)
			wg.Wait()
			profiler.TextMarker("record.stop", runID)

			doc, err := profiler.GetProfile(0, false)
			if err != nil {
				return fmt.Errorf("collect profile: %w", err)
			}
			if err := safe.WriteFileAtomic(output, []byte(doc), 0o644); err != nil {
				return fmt.Errorf("write profile: %w", err)
			}

			printSummary(cmd, runID, output, len(doc))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "profile.json", "Output path for the profile document")
	cmd.Flags().DurationVar(&runFor, "run-for", 2*time.Second, "How long the workload runs")
	cmd.Flags().IntVarP(&workers, "workers", "w", 3, "Number of worker threads")
	session.AddFlags(cmd.Flags())

	return cmd
}

// mainLoop burns CPU under a label so the main thread has something to show.
func mainLoop(runFor time.Duration) {
	deadline := time.Now().Add(runFor)
	for time.Now().Before(deadline) {
		profiler.PushLabel("record.mainLoop", "", profiler.CategoryOther, 0)
		spinWork(40)
		profiler.PopLabel()

		profiler.ThreadSleep()
		time.Sleep(5 * time.Millisecond)
		profiler.ThreadWake()
	}
}

func runWorker(id int, allocs *profiler.AtomicCounter, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	name := fmt.Sprintf("baseprof-worker-%d", id)
	profiler.RegisterThread(name, 0)
	defer profiler.UnregisterThread()

	task := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		task++
		profiler.PushLabel("worker.compute", fmt.Sprintf("task-%d", task), profiler.CategoryJS, 0)
		n := fib(24)
		profiler.PopLabel()
		allocs.Add(int64(n % 97))

		if task%25 == 0 {
			profiler.TracingMarker("OTHER", "worker.checkpoint", "")
		}

		profiler.ThreadSleep()
		time.Sleep(time.Millisecond)
		profiler.ThreadWake()
	}
}

func spinWork(iterations int) {
	for i := 0; i < iterations; i++ {
		_ = fib(20)
	}
}

func fib(n int) int {
	if n < 2 {
		return n
	}
	return fib(n-1) + fib(n-2)
}

func printSummary(cmd *cobra.Command, runID, output string, size int) {
	cmd.Println(titleStyle.Render("Profile recorded"))
	rows := [][2]string{
		{"Run ID", runID},
		{"Output", output},
		{"Size", fmt.Sprintf("%d bytes", size)},
	}
	if params, ok := profiler.GetStartParams(); ok {
		rows = append(rows,
			[2]string{"Interval", fmt.Sprintf("%gms", params.IntervalMs)},
			[2]string{"Features", params.Features.String()},
		)
	}
	if info, ok := profiler.GetBufferInfo(); ok {
		rows = append(rows, [2]string{"Entries", fmt.Sprintf("%d of %d", info.EntryCount, info.Capacity)})
	}
	for _, row := range rows {
		cmd.Printf("  %s %s\n", keyStyle.Render(fmt.Sprintf("%-9s", row[0])), valueStyle.Render(row[1]))
	}
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/baseprof/baseprof/internal/profiler"
)

// newEnvCmd creates the env command.
func newEnvCmd() *cobra.Command {
	var export bool

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Document the profiler startup environment variables",
		Long: `Print the BASE_PROFILER_* environment variables that configure
startup profiling in any process linking the profiler.

With --export, print shell export lines for the variables a child
process of an active session would inherit. Without an active session
this prints nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !export {
				profiler.PrintUsage(cmd.OutOrStdout())
				return nil
			}
			profiler.GetEnvVarsForChildProcess(func(key, value string) {
				cmd.Printf("export %s=%q\n", key, value)
			})
			return nil
		},
	}

	cmd.Flags().BoolVar(&export, "export", false, "Print export lines for the current session")

	return cmd
}

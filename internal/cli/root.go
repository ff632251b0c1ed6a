// Package cli implements the baseprof command line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/baseprof/baseprof/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "baseprof",
	Short: "Baseprof - in-process sampling profiler",
	Long: `Sample label stacks, native stacks, markers and counters from a live
process and emit a version-19 profile document readable by standard
profile viewers.

Subcommands:
- record: run a synthetic workload under the profiler and write the document
- env: document the startup environment variables a child process inherits`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newRecordCmd())
	rootCmd.AddCommand(newEnvCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Baseprof version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

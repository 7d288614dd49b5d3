package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Sandboxed command execution",
	Long: `runbox runs untrusted commands inside disposable sandboxes described
by an environment spec: a Docker container or a local process tree,
with a resettable workspace and separated setup/command output.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLogger constructs the process logger. Verbose mode switches to
// the human-readable development encoder with debug output.
func buildLogger() *zap.Logger {
	if verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			return log
		}
	}
	log, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

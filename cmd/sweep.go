package cmd

import (
	"github.com/spf13/cobra"

	"github.com/runbox/runbox/internal/container"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove leftover sandbox containers",
	Long: `Remove containers left behind by interrupted runs. Containers are
matched by the label runbox applies at creation, so unrelated
containers are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := buildLogger()
		defer log.Sync()
		return container.SweepOrphans(cmd.Context(), log)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

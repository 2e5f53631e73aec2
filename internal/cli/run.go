package cli

import (
	"github.com/spf13/cobra"

	"flight-deal-alerts/internal/app"
)

var cycleJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run monitoring cycles on the configured interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single monitoring cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cycle(cmd.Context(), app.CycleOptions{JSON: cycleJSON})
	},
}

func init() {
	cycleCmd.Flags().BoolVar(&cycleJSON, "json", false, "Print the report as JSON")
}

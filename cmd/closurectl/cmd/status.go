package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <account-id>",
	Short: "Show the live state of a closure",
	Long: `Show the derived phase, next action and transfer history of a
closure, straight from the partner's current account state.

Example:
  closurectl status acc_456`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var res map[string]any
	if err := c.get("/api/v1/internal/closures/"+args[0], &res); err != nil {
		return err
	}
	return printJSON(res)
}

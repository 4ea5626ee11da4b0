package cmd

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <account-id>",
	Short: "Nudge a stalled closure forward by one step",
	Long: `Re-evaluate a closure against the partner's current account state
and perform at most one corrective side effect. Safe to repeat: with no
external change the second call is a no-op.

Example:
  closurectl resume acc_456`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var res map[string]any
	if err := c.post("/api/v1/internal/closures/"+args[0]+"/resume", nil, &res); err != nil {
		return err
	}
	return printJSON(res)
}

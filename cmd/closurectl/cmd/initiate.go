package cmd

import (
	"github.com/spf13/cobra"
)

var initiateCmd = &cobra.Command{
	Use:   "initiate",
	Short: "Start a closure for a user's account",
	Long: `Start the multi-day closure flow for a brokerage account.

The call is idempotent: repeating it for an account already closing
returns the existing confirmation number.

Example:
  closurectl initiate --user usr_123 --account acc_456 --bank rel_789`,
	Args: cobra.NoArgs,
	RunE: runInitiate,
}

var (
	initiateUser    string
	initiateAccount string
	initiateBank    string
)

func init() {
	rootCmd.AddCommand(initiateCmd)

	initiateCmd.Flags().StringVar(&initiateUser, "user", "", "owning user id (required)")
	initiateCmd.Flags().StringVar(&initiateAccount, "account", "", "brokerage account id (required)")
	initiateCmd.Flags().StringVar(&initiateBank, "bank", "", "bank relationship id for withdrawals (required)")
	initiateCmd.MarkFlagRequired("user")
	initiateCmd.MarkFlagRequired("account")
	initiateCmd.MarkFlagRequired("bank")
}

func runInitiate(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	req := map[string]string{
		"user_id":              initiateUser,
		"account_id":           initiateAccount,
		"bank_relationship_id": initiateBank,
	}
	var res map[string]any
	if err := c.post("/api/v1/internal/closures/initiate", req, &res); err != nil {
		return err
	}
	return printJSON(res)
}

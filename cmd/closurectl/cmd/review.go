package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List closures waiting on manual review",
	Long: `List the closures that failed and are waiting on a human, most
recently updated first.

Example:
  closurectl review`,
	Args: cobra.NoArgs,
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}

type reviewResponse struct {
	Processes []reviewProcess `json:"processes"`
	Count     int             `json:"count"`
}

type reviewProcess struct {
	AccountID     string    `json:"account_id"`
	UserID        string    `json:"user_id"`
	Phase         string    `json:"phase"`
	FailureReason *string   `json:"failure_reason"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func runReview(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	var res reviewResponse
	if err := c.get("/api/v1/internal/closures?review=true", &res); err != nil {
		return err
	}
	if res.Count == 0 {
		fmt.Println("no closures need review")
		return nil
	}
	fmt.Printf("%d closure(s) need review:\n\n", res.Count)
	for _, p := range res.Processes {
		reason := "unknown"
		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		fmt.Printf("  %s (user %s)\n", p.AccountID, p.UserID)
		fmt.Printf("    phase:   %s\n", p.Phase)
		fmt.Printf("    reason:  %s\n", reason)
		fmt.Printf("    updated: %s\n\n", p.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

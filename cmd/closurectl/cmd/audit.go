package cmd

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit <account-id>",
	Short: "Print the audit trail of a closure",
	Long: `Print the deduplicated audit log entries of a closure, newest page
first, plus the status keyword derived from the latest entry.

Examples:
  closurectl audit acc_456
  closurectl audit acc_456 --level error --limit 10`,
	Args: cobra.ExactArgs(1),
	RunE: runAudit,
}

var (
	auditStep   string
	auditLevel  string
	auditLimit  int
	auditOffset int
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditStep, "step", "", "filter by closure step")
	auditCmd.Flags().StringVar(&auditLevel, "level", "", "filter by level (info or error)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "page size")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "page offset")
}

func runAudit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	q := url.Values{}
	if auditStep != "" {
		q.Set("step", auditStep)
	}
	if auditLevel != "" {
		q.Set("level", auditLevel)
	}
	q.Set("limit", strconv.Itoa(auditLimit))
	q.Set("offset", strconv.Itoa(auditOffset))
	var res map[string]any
	if err := c.get("/api/v1/internal/closures/"+args[0]+"/audit?"+q.Encode(), &res); err != nil {
		return err
	}
	return printJSON(res)
}

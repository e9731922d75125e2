package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormguard/stormguard/internal/client"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approval requests awaiting a decision",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	c := client.New(serverAddr)
	reqs, err := c.Pending(context.Background())
	if err != nil {
		return err
	}

	if len(reqs) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-38s %-12s %-22s %-12s %s\n", "RUN", "STAGE", "ACTION", "IMPACT", "CREATED")
	for _, r := range reqs {
		impact := "-"
		if r.Proposed.FinancialImpact > 0 {
			impact = fmt.Sprintf("$%.0f", r.Proposed.FinancialImpact)
		} else if r.Proposed.PercentChange != 0 {
			impact = fmt.Sprintf("%+.1f%%", r.Proposed.PercentChange)
		}
		fmt.Printf("%-38s %-12s %-22s %-12s %s\n",
			r.RunID,
			r.Stage,
			truncate(r.Proposed.Type, 22),
			impact,
			r.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}

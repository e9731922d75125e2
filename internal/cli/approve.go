package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormguard/stormguard/internal/client"
)

var (
	decideBy   string
	decideNote string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decideBy, "by", "", "Identity of the decision maker (required)")
		c.Flags().StringVar(&decideNote, "note", "", "Optional decision note")
		c.MarkFlagRequired("by")
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve a suspended run's pending action",
	Long:  "Grants the pending approval request; the pipeline resumes from the next stage.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <run-id>",
	Short: "Reject a suspended run's pending action",
	Long:  "Rejects the pending approval request; the run fails and recorded actions are voided.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], "reject")
	},
}

func decide(runID, decision string) error {
	c := client.New(serverAddr)
	run, err := c.Decide(context.Background(), runID, decision, decideBy, decideNote)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", run.ID, run.Status)
	return nil
}

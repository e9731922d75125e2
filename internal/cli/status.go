package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormguard/stormguard/internal/client"
	"github.com/stormguard/stormguard/internal/model"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the full run document as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := client.New(serverAddr)
	run, err := c.Status(context.Background(), args[0])
	if err != nil {
		return err
	}

	if statusJSON {
		out, _ := json.MarshalIndent(run, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	printRun(run)
	return nil
}

func printRun(run *model.PipelineRun) {
	fmt.Printf("Run:    %s\n", run.ID)
	fmt.Printf("Event:  %s (severity %d)\n", run.Event.Type, run.Event.Severity)
	fmt.Printf("Status: %s", run.Status)
	if run.FailureReason != "" {
		fmt.Printf(" (%s)", run.FailureReason)
	}
	fmt.Println()
	if run.CurrentStage != "" {
		fmt.Printf("Stage:  %s\n", run.CurrentStage)
	}

	if len(run.StageResults) > 0 {
		fmt.Println()
		fmt.Printf("%-12s %-18s %-9s %s\n", "STAGE", "GATE", "ATTEMPTS", "INSIGHT")
		for _, sr := range run.StageResults {
			gate := "-"
			if sr.Gate != nil {
				gate = string(sr.Gate.Outcome)
			}
			insight := sr.Reasoning
			if sr.Error != "" {
				insight = "ERROR: " + sr.Error
			}
			fmt.Printf("%-12s %-18s %-9d %s\n", sr.Stage, gate, sr.Attempts, truncate(insight, 70))
		}
	}

	if run.Summary != nil {
		s := run.Summary
		fmt.Println()
		fmt.Printf("Total impact:  $%.0f\n", s.TotalFinancialImpact)
		fmt.Printf("Stores:        %d, units ordered: %d\n", s.StoresAffected, s.UnitsOrdered)
		fmt.Printf("Approvals:     %d required, %d granted\n", s.ApprovalsRequired, s.ApprovalsGranted)
		fmt.Printf("Automation:    %.0f%%\n", s.AutomationLevelPct)
		fmt.Printf("Compliance:    %d/10\n", s.ComplianceScore)
		for _, issue := range s.FlaggedIssues {
			fmt.Printf("  flagged: %s\n", issue)
		}
		fmt.Printf("\n%s\n", s.Narrative)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

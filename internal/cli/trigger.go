package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormguard/stormguard/internal/client"
)

var (
	triggerSeverity int
	triggerPayload  string
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().IntVar(&triggerSeverity, "severity", 3, "Event severity 1-5")
	triggerCmd.Flags().StringVar(&triggerPayload, "payload", "", "Scenario parameters as JSON (budget_usd, spike, stores_at_risk, ...)")
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <event-type>",
	Short: "Submit a disruption event to a running server",
	Long:  "Starts a pipeline run for the event and prints the run ID.\nExample: stormguard trigger hurricane_warning --severity 4 --payload '{\"budget_usd\":650000}'",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func runTrigger(cmd *cobra.Command, args []string) error {
	var payload map[string]any
	if triggerPayload != "" {
		if err := json.Unmarshal([]byte(triggerPayload), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
	}

	c := client.New(serverAddr)
	runID, err := c.Trigger(context.Background(), args[0], triggerSeverity, payload)
	if err != nil {
		return fmt.Errorf("trigger failed: %w", err)
	}

	fmt.Println(runID)
	return nil
}

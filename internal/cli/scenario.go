package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stormguard/stormguard/internal/scenario"
)

var (
	scenarioPolicy string
	scenarioJSON   bool
)

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.Flags().StringVar(&scenarioPolicy, "policy", "", "Path to policy YAML")
	scenarioCmd.Flags().BoolVar(&scenarioJSON, "json", false, "Output results as JSON")
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario <file.yaml> [file.yaml...]",
	Short: "Run policy gate test cases from YAML files",
	Long:  "Evaluates each case's proposed action against the gate and compares the\noutcome with the expectation. Exits 1 if any case fails.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScenario,
}

func runScenario(cmd *cobra.Command, args []string) error {
	var results []*scenario.RunResult
	failed := false

	for _, path := range args {
		result, err := scenario.LoadAndRun(path, scenarioPolicy)
		if err != nil {
			return err
		}
		results = append(results, result)
		if result.Failed > 0 {
			failed = true
		}
	}

	if scenarioJSON {
		out, err := scenario.FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Println(out)
	} else {
		fmt.Print(scenario.FormatText(results))
	}

	if failed {
		os.Exit(1)
	}
	return nil
}

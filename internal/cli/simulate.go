package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/model"
	"github.com/stormguard/stormguard/internal/pipeline"
	"github.com/stormguard/stormguard/internal/policy"
	"github.com/stormguard/stormguard/internal/reason"
	"github.com/stormguard/stormguard/internal/store"
)

var (
	simSeverity    int
	simPayload     string
	simPolicy      string
	simAutoApprove bool
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVar(&simSeverity, "severity", 3, "Event severity 1-5")
	simulateCmd.Flags().StringVar(&simPayload, "payload", "", "Scenario parameters as JSON")
	simulateCmd.Flags().StringVar(&simPolicy, "policy", "", "Path to policy YAML")
	simulateCmd.Flags().BoolVar(&simAutoApprove, "auto-approve", false, "Approve every suspension automatically (as 'simulator')")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate <event-type>",
	Short: "Run a pipeline in-process with the deterministic reasoner",
	Long: "Executes the full pipeline against an ephemeral store using the rule\n" +
		"reasoner: no server, no hosted model, no persistent state. Useful for\n" +
		"trying policy settings before rollout.",
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	var payload map[string]any
	if simPayload != "" {
		if err := json.Unmarshal([]byte(simPayload), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
	}

	cfg, hash, err := policy.LoadConfigWithHash(simPolicy)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	runs, err := store.Open(":memory:")
	if err != nil {
		return err
	}
	defer runs.Close()

	tmp, err := os.MkdirTemp("", "stormguard-sim-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	approvals, err := approval.NewStore(tmp + "/approvals")
	if err != nil {
		return err
	}
	auditLog, err := audit.Open(tmp + "/audit")
	if err != nil {
		return err
	}

	orch := pipeline.New(pipeline.Options{
		Runs:       runs,
		Approvals:  approvals,
		Audit:      auditLog,
		Reasoner:   reason.NewRules(),
		Logger:     zap.NewNop(),
		Config:     cfg,
		PolicyHash: hash,
	})

	ctx := context.Background()
	runID, err := orch.Start(ctx, model.Event{
		Type:     args[0],
		Severity: simSeverity,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	orch.Wait()

	run, err := orch.GetStatus(ctx, runID)
	if err != nil {
		return err
	}

	for run.Status == model.StatusPendingApproval {
		req, _ := approvals.PendingForRun(runID)
		if req == nil {
			break
		}
		fmt.Printf("SUSPENDED at %s: %s\n", req.Stage, req.Justification)
		if !simAutoApprove {
			break
		}
		fmt.Println("  auto-approving (simulation)")
		if err := orch.Resume(ctx, runID, approval.OutcomeApproved, "simulator", "auto-approved in simulation"); err != nil {
			return err
		}
		orch.Wait()
		run, err = orch.GetStatus(ctx, runID)
		if err != nil {
			return err
		}
	}

	fmt.Println()
	printRun(run)

	fmt.Println()
	if result := audit.Verify(auditLog.Path(runID)); result.Valid {
		fmt.Printf("Audit trail: %d entries, chain verified\n", result.Lines)
	} else {
		fmt.Printf("Audit trail INVALID at line %d: %s\n", result.ErrorLine, result.Error)
	}
	return nil
}

package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/model"
)

// --- Input/Output types ---

// TriggerInput defines parameters for the stormguard_trigger tool.
type TriggerInput struct {
	EventType string         `json:"event_type" jsonschema:"disruption event type (e.g. hurricane_warning)"`
	Severity  int            `json:"severity" jsonschema:"event severity from 1 to 5"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"scenario parameters (budget_usd, spike, stores_at_risk, ...)"`
}

// TriggerOutput identifies the started run.
type TriggerOutput struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// StatusInput defines parameters for the stormguard_status tool.
type StatusInput struct {
	RunID string `json:"run_id" jsonschema:"pipeline run ID"`
}

// StatusOutput summarizes the run state.
type StatusOutput struct {
	RunID         string                  `json:"run_id"`
	Status        string                  `json:"status"`
	CurrentStage  string                  `json:"current_stage,omitempty"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	Stages        []StageItem             `json:"stages,omitempty"`
	Summary       *model.ExecutiveSummary `json:"summary,omitempty"`
}

// StageItem is one stage result in a status response.
type StageItem struct {
	Stage    string `json:"stage"`
	Insight  string `json:"insight,omitempty"`
	Gate     string `json:"gate,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// PendingInput is empty, no parameters needed.
type PendingInput struct{}

// PendingOutput lists approval requests awaiting a decision.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes a single approval request.
type PendingItem struct {
	RunID           string  `json:"run_id"`
	Stage           string  `json:"stage"`
	ActionType      string  `json:"action_type"`
	FinancialImpact float64 `json:"financial_impact,omitempty"`
	PercentChange   float64 `json:"percent_change,omitempty"`
	Justification   string  `json:"justification"`
	CreatedAt       string  `json:"created_at"`
}

// DecideInput defines parameters for the approve and reject tools.
type DecideInput struct {
	RunID     string `json:"run_id" jsonschema:"run awaiting approval"`
	DecidedBy string `json:"decided_by" jsonschema:"identity of the approver"`
	Note      string `json:"note,omitempty" jsonschema:"optional decision note"`
}

// DecideOutput reports the run state after the decision.
type DecideOutput struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// --- Handlers ---

func (s *Server) handleTrigger(ctx context.Context, req *mcpsdk.CallToolRequest, input TriggerInput) (*mcpsdk.CallToolResult, TriggerOutput, error) {
	if input.Severity < 1 || input.Severity > 5 {
		return &mcpsdk.CallToolResult{IsError: true}, TriggerOutput{}, fmt.Errorf("severity must be 1-5")
	}

	runID, err := s.orch.Start(ctx, model.Event{
		Type:     input.EventType,
		Severity: input.Severity,
		Payload:  input.Payload,
	})
	if err != nil {
		return nil, TriggerOutput{}, err
	}
	return nil, TriggerOutput{RunID: runID, Status: string(model.StatusRunning)}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input StatusInput) (*mcpsdk.CallToolResult, StatusOutput, error) {
	run, err := s.orch.GetStatus(ctx, input.RunID)
	if err != nil {
		return nil, StatusOutput{}, err
	}

	out := StatusOutput{
		RunID:         run.ID,
		Status:        string(run.Status),
		CurrentStage:  string(run.CurrentStage),
		FailureReason: run.FailureReason,
		Summary:       run.Summary,
	}
	for _, sr := range run.StageResults {
		item := StageItem{
			Stage:    string(sr.Stage),
			Insight:  sr.Reasoning,
			Attempts: sr.Attempts,
			Error:    sr.Error,
		}
		if sr.Gate != nil {
			item.Gate = string(sr.Gate.Outcome)
		}
		out.Stages = append(out.Stages, item)
	}
	return nil, out, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	reqs, err := s.approvals.ListPending()
	if err != nil {
		return nil, PendingOutput{}, err
	}

	out := PendingOutput{Approvals: []PendingItem{}}
	for _, r := range reqs {
		out.Approvals = append(out.Approvals, PendingItem{
			RunID:           r.RunID,
			Stage:           string(r.Stage),
			ActionType:      r.Proposed.Type,
			FinancialImpact: r.Proposed.FinancialImpact,
			PercentChange:   r.Proposed.PercentChange,
			Justification:   r.Justification,
			CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input DecideInput) (*mcpsdk.CallToolResult, DecideOutput, error) {
	return s.decide(ctx, input, approval.OutcomeApproved)
}

func (s *Server) handleReject(ctx context.Context, req *mcpsdk.CallToolRequest, input DecideInput) (*mcpsdk.CallToolResult, DecideOutput, error) {
	return s.decide(ctx, input, approval.OutcomeRejected)
}

func (s *Server) decide(ctx context.Context, input DecideInput, outcome approval.Outcome) (*mcpsdk.CallToolResult, DecideOutput, error) {
	if input.DecidedBy == "" {
		return &mcpsdk.CallToolResult{IsError: true}, DecideOutput{}, fmt.Errorf("decided_by is required")
	}

	if err := s.orch.Resume(ctx, input.RunID, outcome, input.DecidedBy, input.Note); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, DecideOutput{}, err
	}

	run, err := s.orch.GetStatus(ctx, input.RunID)
	if err != nil {
		return nil, DecideOutput{}, err
	}
	return nil, DecideOutput{RunID: run.ID, Status: string(run.Status)}, nil
}

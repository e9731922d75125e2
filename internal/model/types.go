package model

import (
	"encoding/json"
	"time"
)

// Stage identifies one decision domain in the pipeline.
type Stage string

const (
	StageDemand      Stage = "demand"
	StageInventory   Stage = "inventory"
	StageProcurement Stage = "procurement"
	StagePricing     Stage = "pricing"
	StageRisk        Stage = "risk"
)

// StageOrder is the fixed dependency order of the pipeline. Each stage's
// output is a required input of the next, so the order must not change.
var StageOrder = []Stage{
	StageDemand,
	StageInventory,
	StageProcurement,
	StagePricing,
	StageRisk,
}

// NextStage returns the stage following s in dependency order.
// ok is false when s is the last stage or unknown.
func NextStage(s Stage) (Stage, bool) {
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// ValidStage reports whether s names a pipeline stage.
func ValidStage(s Stage) bool {
	for _, st := range StageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// Event is the disruption that triggers one pipeline run. Immutable once created.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   int            `json:"severity"`
	DetectedAt time.Time      `json:"detected_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	StatusRunning         RunStatus = "running"
	StatusPendingApproval RunStatus = "pending_approval"
	StatusCompleted       RunStatus = "completed"
	StatusFailed          RunStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProposedAction is an external change a stage wants committed. The stage
// never executes it; commitment happens only after the policy gate (and,
// when required, a human) clears it.
type ProposedAction struct {
	Type            string  `json:"type"`
	FinancialImpact float64 `json:"financial_impact,omitempty"`
	PercentChange   float64 `json:"percent_change,omitempty"`
	VendorID        string  `json:"vendor_id,omitempty"`
	VendorVetted    bool    `json:"vendor_vetted,omitempty"`

	// Cancelled marks an action that was recorded but voided by a later
	// governance rejection. Nothing is rolled back; the mark is the record.
	Cancelled bool `json:"cancelled,omitempty"`
}

// GateOutcome is the policy gate verdict for a proposed action.
type GateOutcome string

const (
	AutoApprove     GateOutcome = "auto_approve"
	RequireApproval GateOutcome = "require_approval"
	// Reject is a hard, non-waivable block. It is not routed to a human;
	// the run fails.
	Reject GateOutcome = "reject"
)

// PolicyDecision is the immutable output of one gate evaluation.
type PolicyDecision struct {
	Stage   Stage       `json:"stage"`
	Rule    string      `json:"rule"`
	Outcome GateOutcome `json:"outcome"`
	Reason  string      `json:"reason"`
}

// StageResult records one stage execution, including all retry attempts.
type StageResult struct {
	Stage      Stage           `json:"stage"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Confidence string          `json:"confidence,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Proposed   *ProposedAction `json:"proposed_action,omitempty"`
	Gate       *PolicyDecision `json:"policy_decision,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
}

// ExecutiveSummary aggregates all stage outputs into the final plan.
type ExecutiveSummary struct {
	TotalFinancialImpact float64  `json:"total_financial_impact"`
	PriceChangesApplied  int      `json:"price_changes_applied"`
	StoresAffected       int      `json:"stores_affected"`
	UnitsOrdered         int      `json:"units_ordered"`
	ApprovalsRequired    int      `json:"approvals_required"`
	ApprovalsGranted     int      `json:"approvals_granted"`
	AutomationLevelPct   float64  `json:"automation_level_pct"`
	ComplianceScore      int      `json:"compliance_score"`
	FlaggedIssues        []string `json:"flagged_issues,omitempty"`
	Narrative            string   `json:"narrative"`
}

// PipelineRun is the orchestrator-owned state of one pipeline execution.
// Mutated only by the orchestrator; terminal once Status.Terminal().
type PipelineRun struct {
	ID            string            `json:"run_id"`
	Event         Event             `json:"event"`
	Status        RunStatus         `json:"status"`
	CurrentStage  Stage             `json:"current_stage,omitempty"`
	StageResults  []StageResult     `json:"stage_results,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Summary       *ExecutiveSummary `json:"summary,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Result returns the recorded result for a stage, or nil.
func (r *PipelineRun) Result(s Stage) *StageResult {
	for i := range r.StageResults {
		if r.StageResults[i].Stage == s {
			return &r.StageResults[i]
		}
	}
	return nil
}

// Upstream returns the outputs of all completed stages keyed by stage name.
// This is the accumulated context fed to each downstream stage.
func (r *PipelineRun) Upstream() map[Stage]json.RawMessage {
	out := make(map[Stage]json.RawMessage, len(r.StageResults))
	for i := range r.StageResults {
		sr := &r.StageResults[i]
		if sr.Error == "" && len(sr.Output) > 0 {
			out[sr.Stage] = sr.Output
		}
	}
	return out
}

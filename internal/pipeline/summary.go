package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/model"
)

// synthesize folds the five stage outputs into one executive summary.
// Deterministic: the same run state always yields the same plan.
func (o *Orchestrator) synthesize(run *model.PipelineRun) model.ExecutiveSummary {
	var s model.ExecutiveSummary

	if res := run.Result(model.StageInventory); res != nil {
		var inv struct {
			AtRiskStores      int `json:"at_risk_stores"`
			TotalUnitsToOrder int `json:"total_units_to_order"`
		}
		if json.Unmarshal(res.Output, &inv) == nil {
			s.StoresAffected = inv.AtRiskStores
			s.UnitsOrdered = inv.TotalUnitsToOrder
		}
	}

	if res := run.Result(model.StageProcurement); res != nil && res.Proposed != nil {
		s.TotalFinancialImpact += res.Proposed.FinancialImpact
	}

	if res := run.Result(model.StagePricing); res != nil && res.Proposed != nil {
		if res.Proposed.PercentChange != 0 {
			s.PriceChangesApplied = 1
		}
	}

	if res := run.Result(model.StageRisk); res != nil {
		var risk struct {
			ComplianceScore int      `json:"compliance_score"`
			FlaggedIssues   []string `json:"flagged_issues"`
		}
		if json.Unmarshal(res.Output, &risk) == nil {
			s.ComplianceScore = risk.ComplianceScore
			s.FlaggedIssues = risk.FlaggedIssues
		}
	}

	gated := 0
	for i := range run.StageResults {
		g := run.StageResults[i].Gate
		if g == nil {
			continue
		}
		gated++
		if g.Outcome == model.RequireApproval {
			s.ApprovalsRequired++
		}
	}
	if reqs, err := o.approvals.List(); err == nil {
		for _, r := range reqs {
			if r.RunID == run.ID && r.Status == approval.StatusApproved {
				s.ApprovalsGranted++
			}
		}
	}

	total := len(run.StageResults)
	if total > 0 {
		s.AutomationLevelPct = 100 * float64(total-s.ApprovalsRequired) / float64(total)
	}

	s.Narrative = narrative(run, s)
	return s
}

func narrative(run *model.PipelineRun, s model.ExecutiveSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Response plan for %s: $%.0f committed across %d stores, %d units ordered",
		run.Event.Type, s.TotalFinancialImpact, s.StoresAffected, s.UnitsOrdered)
	if s.ApprovalsRequired > 0 {
		fmt.Fprintf(&b, ", %d human approval(s) obtained", s.ApprovalsGranted)
	} else {
		b.WriteString(", fully automated")
	}
	fmt.Fprintf(&b, ". Compliance score %d/10.", s.ComplianceScore)
	return b.String()
}

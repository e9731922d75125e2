// Package stage runs a single pipeline stage: it calls the reasoner,
// validates the decision against the stage schema, and retries transient
// failures with backoff.
package stage

import (
	"encoding/json"
	"fmt"

	"github.com/stormguard/stormguard/internal/model"
)

// Decision is a validated stage output in a form the orchestrator can act
// on. Raw preserves the exact document for the audit trail and for feeding
// downstream stages.
type Decision struct {
	Stage      model.Stage
	Raw        json.RawMessage
	Confidence string
	KeyInsight string
	Proposed   *model.ProposedAction
}

type demandDecision struct {
	ForecastMultiplier float64  `json:"forecast_multiplier"`
	UnitsNeeded        int      `json:"units_needed"`
	CriticalSKUs       []string `json:"critical_skus"`
	Confidence         string   `json:"confidence"`
	KeyInsight         string   `json:"key_insight"`
}

type inventoryDecision struct {
	AtRiskStores      int    `json:"at_risk_stores"`
	TotalUnitsToOrder int    `json:"total_units_to_order"`
	ReorderUrgency    string `json:"reorder_urgency"`
	KeyInsight        string `json:"key_insight"`
}

type procurementDecision struct {
	PurchaseOrders        int     `json:"purchase_orders"`
	TotalValueUSD         float64 `json:"total_value_usd"`
	VendorsEngaged        int     `json:"vendors_engaged"`
	VendorID              string  `json:"vendor_id"`
	VendorVetted          bool    `json:"vendor_vetted"`
	DeliveryTimelineHours int     `json:"delivery_timeline_hours"`
	KeyInsight            string  `json:"key_insight"`
}

type pricingDecision struct {
	PriceAdjustmentPct       float64 `json:"price_adjustment_pct"`
	PriceStabilityMaintained bool    `json:"price_stability_maintained"`
	CompetitorGougingFlagged int     `json:"competitor_gouging_flagged"`
	BrandProtectionValueUSD  float64 `json:"brand_protection_value_usd"`
	KeyInsight               string  `json:"key_insight"`
}

type riskDecision struct {
	ComplianceScore int      `json:"compliance_score"`
	FinancialRisk   string   `json:"financial_risk"`
	FlaggedIssues   []string `json:"flagged_issues"`
	KeyInsight      string   `json:"key_insight"`
}

// ParseDecision validates raw against the stage's schema. Schema violations
// are permanent: re-asking the same question is not expected to fix a
// malformed or out-of-range answer.
func ParseDecision(st model.Stage, raw string) (*Decision, error) {
	d := &Decision{Stage: st, Raw: json.RawMessage(raw)}

	switch st {
	case model.StageDemand:
		var v demandDecision
		if err := decode(raw, &v); err != nil {
			return nil, err
		}
		if v.ForecastMultiplier <= 0 {
			return nil, fmt.Errorf("demand: forecast_multiplier must be positive, got %v", v.ForecastMultiplier)
		}
		if v.UnitsNeeded < 0 {
			return nil, fmt.Errorf("demand: units_needed must be non-negative, got %d", v.UnitsNeeded)
		}
		if !oneOf(v.Confidence, "high", "medium", "low") {
			return nil, fmt.Errorf("demand: invalid confidence %q", v.Confidence)
		}
		d.Confidence = v.Confidence
		d.KeyInsight = v.KeyInsight

	case model.StageInventory:
		var v inventoryDecision
		if err := decode(raw, &v); err != nil {
			return nil, err
		}
		if v.AtRiskStores < 0 || v.TotalUnitsToOrder < 0 {
			return nil, fmt.Errorf("inventory: quantities must be non-negative")
		}
		if !oneOf(v.ReorderUrgency, "critical", "high", "medium") {
			return nil, fmt.Errorf("inventory: invalid reorder_urgency %q", v.ReorderUrgency)
		}
		d.KeyInsight = v.KeyInsight

	case model.StageProcurement:
		var v procurementDecision
		if err := decode(raw, &v); err != nil {
			return nil, err
		}
		if v.TotalValueUSD < 0 {
			return nil, fmt.Errorf("procurement: total_value_usd must be non-negative, got %v", v.TotalValueUSD)
		}
		if v.PurchaseOrders < 0 || v.VendorsEngaged < 0 || v.DeliveryTimelineHours < 0 {
			return nil, fmt.Errorf("procurement: counts must be non-negative")
		}
		d.KeyInsight = v.KeyInsight
		d.Proposed = &model.ProposedAction{
			Type:            "emergency_procurement",
			FinancialImpact: v.TotalValueUSD,
			VendorID:        v.VendorID,
			VendorVetted:    v.VendorVetted,
		}

	case model.StagePricing:
		var v pricingDecision
		if err := decode(raw, &v); err != nil {
			return nil, err
		}
		d.KeyInsight = v.KeyInsight
		d.Proposed = &model.ProposedAction{
			Type:          "price_adjustment",
			PercentChange: v.PriceAdjustmentPct,
		}

	case model.StageRisk:
		var v riskDecision
		if err := decode(raw, &v); err != nil {
			return nil, err
		}
		if v.ComplianceScore < 0 || v.ComplianceScore > 10 {
			return nil, fmt.Errorf("risk: compliance_score must be 0-10, got %d", v.ComplianceScore)
		}
		if !oneOf(v.FinancialRisk, "high", "medium", "low") {
			return nil, fmt.Errorf("risk: invalid financial_risk %q", v.FinancialRisk)
		}
		d.KeyInsight = v.KeyInsight

	default:
		return nil, fmt.Errorf("unknown stage %q", st)
	}

	return d, nil
}

func decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decision is not valid JSON: %w", err)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

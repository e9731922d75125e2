package reason

import (
	"fmt"
	"strings"

	"github.com/stormguard/stormguard/internal/model"
)

// BuildPrompt renders the stage-specific prompt for a hosted model. Each
// prompt pins the exact JSON schema the stage adapter validates against.
func BuildPrompt(req Request) (string, error) {
	p := EventParams(req.Event)
	name := req.Event.Type

	switch req.Stage {
	case model.StageDemand:
		return fmt.Sprintf(`You are the demand intelligence agent analyzing %s (severity %d).

SCENARIO:
- Expected demand spike: %.1fx normal levels
- Critical products: %s
- Duration: %d days

Forecast the demand surge. Respond with EXACT JSON:
{
  "forecast_multiplier": <use scenario spike>,
  "units_needed": <calculate based on spike>,
  "critical_skus": ["<sku>", ...],
  "confidence": "high/medium/low",
  "key_insight": "One clear sentence explaining what products will surge and why"
}`, name, req.Event.Severity, p.Spike, p.CriticalProducts, p.DurationDays), nil

	case model.StageInventory:
		return fmt.Sprintf(`You are the inventory optimization agent for %s.

SCENARIO DATA:
- Stores at high risk: %d (from predictive model)
- Demand spike: %.1fx normal
- Critical SKUs: %s
%s
Respond with EXACT JSON:
{
  "at_risk_stores": <use scenario value %d>,
  "total_units_to_order": <large number based on spike>,
  "reorder_urgency": "critical/high/medium",
  "key_insight": "One clear sentence about which stores need emergency restocking"
}`, name, p.StoresAtRisk, p.Spike, p.CriticalProducts, upstreamBlock(req), p.StoresAtRisk), nil

	case model.StageProcurement:
		return fmt.Sprintf(`You are the procurement agent for %s.

EMERGENCY SITUATION:
- %d stores need immediate restocking
- %.1fx demand spike for: %s
- Emergency budget approved: $%.0f
- Delivery needed in %d days
%s
Create emergency purchase orders. Respond with EXACT JSON:
{
  "purchase_orders": <number between 40-80>,
  "total_value_usd": <use scenario budget %.0f>,
  "vendors_engaged": <number 3-8>,
  "vendor_id": "<primary vendor>",
  "vendor_vetted": <true if the vendor passed prior review>,
  "delivery_timeline_hours": <based on duration>,
  "key_insight": "One sentence about emergency procurement strategy"
}`, name, p.StoresAtRisk, p.Spike, p.CriticalProducts, p.BudgetUSD, p.DurationDays, upstreamBlock(req), p.BudgetUSD), nil

	case model.StagePricing:
		return fmt.Sprintf(`You are the price stability and anti-gouging agent for %s.

MISSION: prevent price increases during the crisis to protect customers and brand reputation.

CONTEXT:
- Demand spike: %.1fx normal levels
- Company policy: MAINTAIN or REDUCE prices on essentials during disasters
- Anti-gouging laws: strictly enforced in all operating states
%s
Respond with EXACT JSON:
{
  "price_adjustment_pct": <0 unless an increase is unavoidable>,
  "price_stability_maintained": <true/false>,
  "competitor_gouging_flagged": <number 2-8>,
  "brand_protection_value_usd": <number 50000-200000>,
  "key_insight": "One sentence about maintaining ethical pricing and preventing gouging"
}`, name, p.Spike, upstreamBlock(req)), nil

	case model.StageRisk:
		return fmt.Sprintf(`You are the risk and compliance agent for %s.

DECISION VALIDATION:
- Procurement spend: $%.0f
- Anti-gouging compliance: REQUIRED
%s
Respond with EXACT JSON:
{
  "compliance_score": <0-10>,
  "financial_risk": "high/medium/low",
  "flagged_issues": ["<issue>", ...],
  "key_insight": "One sentence about the compliance assessment"
}`, name, p.BudgetUSD, upstreamBlock(req)), nil
	}

	return "", fmt.Errorf("no prompt for stage %q", req.Stage)
}

// upstreamBlock renders prior stage outputs so the model reasons over the
// accumulated context, not just the raw event.
func upstreamBlock(req Request) string {
	if len(req.Upstream) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nUPSTREAM DECISIONS:\n")
	for _, st := range model.StageOrder {
		if out, ok := req.Upstream[st]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", st, string(out))
		}
	}
	return b.String()
}

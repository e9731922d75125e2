package reason

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stormguard/stormguard/internal/model"
)

// Rules is a deterministic reasoner deriving every stage decision from the
// event parameters alone. It backs demo mode, `stormguard simulate`, and
// tests where reproducible output matters more than model judgment.
type Rules struct{}

// NewRules creates the rule-based reasoner.
func NewRules() *Rules { return &Rules{} }

// Infer computes the stage decision JSON from the event parameters.
func (r *Rules) Infer(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := EventParams(req.Event)

	switch req.Stage {
	case model.StageDemand:
		units := int(p.Spike * float64(p.StoresAtRisk) * 500)
		return marshal(map[string]any{
			"forecast_multiplier": p.Spike,
			"units_needed":        units,
			"critical_skus":       skusFor(p.CriticalProducts),
			"confidence":          confidenceFor(p.Spike),
			"key_insight": fmt.Sprintf("%s demand projected at %.1fx baseline across %s for %d days",
				p.CriticalProducts, p.Spike, pluralStores(p.StoresAtRisk), p.DurationDays),
		})

	case model.StageInventory:
		units := unitsFromDemand(req, p)
		return marshal(map[string]any{
			"at_risk_stores":       p.StoresAtRisk,
			"total_units_to_order": units,
			"reorder_urgency":      urgencyFor(p.Spike),
			"key_insight": fmt.Sprintf("%s face stockout within %d days without emergency restocking",
				pluralStores(p.StoresAtRisk), p.DurationDays),
		})

	case model.StageProcurement:
		return marshal(map[string]any{
			"purchase_orders":         40 + p.StoresAtRisk%40,
			"total_value_usd":         p.BudgetUSD,
			"vendors_engaged":         3 + p.StoresAtRisk%5,
			"vendor_id":               p.VendorID,
			"vendor_vetted":           p.VendorVetted,
			"delivery_timeline_hours": p.DurationDays * 24,
			"key_insight": fmt.Sprintf("emergency purchase orders totaling $%.0f routed for delivery within %d hours",
				p.BudgetUSD, p.DurationDays*24),
		})

	case model.StagePricing:
		return marshal(map[string]any{
			"price_adjustment_pct":       p.PriceAdjustPct,
			"price_stability_maintained": p.PriceAdjustPct <= 0,
			"competitor_gouging_flagged": 2 + p.StoresAtRisk%6,
			"brand_protection_value_usd": 50000 + 25000*float64(min(6, p.StoresAtRisk/7)),
			"key_insight":                pricingInsight(p.PriceAdjustPct),
		})

	case model.StageRisk:
		issues := []string{}
		risk := "low"
		if p.BudgetUSD > 500000 {
			risk = "high"
			issues = append(issues, fmt.Sprintf("spend of $%.0f warrants executive visibility", p.BudgetUSD))
		}
		if p.PriceAdjustPct > 0 {
			issues = append(issues, fmt.Sprintf("price increase of %.1f%% during a declared emergency", p.PriceAdjustPct))
		}
		score := 10 - len(issues)
		return marshal(map[string]any{
			"compliance_score": score,
			"financial_risk":   risk,
			"flagged_issues":   issues,
			"key_insight":      fmt.Sprintf("response plan scores %d/10 on compliance with %d flagged issue(s)", score, len(issues)),
		})
	}

	return "", fmt.Errorf("no rules for stage %q", req.Stage)
}

// unitsFromDemand reads units_needed from the demand stage output, falling
// back to a spike-derived estimate.
func unitsFromDemand(req Request, p Params) int {
	if raw, ok := req.Upstream[model.StageDemand]; ok {
		var d struct {
			UnitsNeeded int `json:"units_needed"`
		}
		if err := json.Unmarshal(raw, &d); err == nil && d.UnitsNeeded > 0 {
			return d.UnitsNeeded
		}
	}
	return int(p.Spike * float64(p.StoresAtRisk) * 500)
}

func marshal(v map[string]any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func skusFor(products string) []string {
	if products == "" {
		return []string{"WATER-001"}
	}
	return []string{"WATER-001", "BATT-AA-24", "TARP-10X12"}
}

func confidenceFor(spike float64) string {
	switch {
	case spike >= 4:
		return "high"
	case spike >= 2.5:
		return "medium"
	default:
		return "low"
	}
}

func urgencyFor(spike float64) string {
	switch {
	case spike >= 4:
		return "critical"
	case spike >= 2.5:
		return "high"
	default:
		return "medium"
	}
}

func pricingInsight(pct float64) string {
	if pct <= 0 {
		return "prices held flat on essentials; competitor gouging flagged for regulatory reporting"
	}
	return fmt.Sprintf("a %.1f%% increase is proposed to cover expedited logistics; requires guardrail review", pct)
}

func pluralStores(n int) string {
	if n == 1 {
		return "1 store"
	}
	return fmt.Sprintf("%d stores", n)
}

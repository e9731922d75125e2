package policy

import (
	"fmt"

	"github.com/stormguard/stormguard/internal/model"
)

// Evaluate applies the governance rules to a proposed action. Pure function:
// no side effects, deterministic for a given action and config.
//
// Rule order (first match wins, must not be changed):
//  1. Hard anti-gouging cap: non-waivable, reject
//  2. Spend over threshold: require approval
//  3. Price increase over cap: require approval
//  4. Unvetted vendor: require approval
//  5. Otherwise: auto-approve
func Evaluate(stage model.Stage, action *model.ProposedAction, cfg *Config) model.PolicyDecision {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	th := cfg.Thresholds

	// Step 1: hard cap (categorically disallowed, never routed to a human)
	if th.PriceChangeHardCapPct > 0 && action.PercentChange > th.PriceChangeHardCapPct {
		return model.PolicyDecision{
			Stage:   stage,
			Rule:    "gate.price_hard_cap",
			Outcome: model.Reject,
			Reason: fmt.Sprintf("price increase %.1f%% exceeds non-waivable cap %.1f%%",
				action.PercentChange, th.PriceChangeHardCapPct),
		}
	}

	// Step 2: spend threshold
	if action.FinancialImpact > th.SpendThresholdUSD {
		return model.PolicyDecision{
			Stage:   stage,
			Rule:    "gate.spend_threshold",
			Outcome: model.RequireApproval,
			Reason: fmt.Sprintf("spend exceeds threshold: $%.0f > $%.0f",
				action.FinancialImpact, th.SpendThresholdUSD),
		}
	}

	// Step 3: price guardrail. Only increases are capped; decreases for
	// clearance are unrestricted.
	if action.PercentChange > th.PriceChangeCapPct {
		return model.PolicyDecision{
			Stage:   stage,
			Rule:    "gate.price_cap",
			Outcome: model.RequireApproval,
			Reason: fmt.Sprintf("price increase exceeds guardrail: +%.1f%% > +%.1f%%",
				action.PercentChange, th.PriceChangeCapPct),
		}
	}

	// Step 4: vendor vetting. A vendor is trusted if the action carries a
	// vetted flag from upstream review or appears in the configured list.
	if action.VendorID != "" && !action.VendorVetted && !cfg.Vendors.IsVetted(action.VendorID) {
		return model.PolicyDecision{
			Stage:   stage,
			Rule:    "gate.unvetted_vendor",
			Outcome: model.RequireApproval,
			Reason:  fmt.Sprintf("unvetted vendor: %s", action.VendorID),
		}
	}

	return model.PolicyDecision{
		Stage:   stage,
		Rule:    "gate.auto",
		Outcome: model.AutoApprove,
		Reason:  "within policy thresholds",
	}
}

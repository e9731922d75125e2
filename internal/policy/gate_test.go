package policy

import (
	"testing"

	"github.com/stormguard/stormguard/internal/model"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Thresholds.SpendThresholdUSD = 50000
	cfg.Thresholds.PriceChangeCapPct = 10
	return cfg
}

func TestSpendOverThresholdRequiresApproval(t *testing.T) {
	cfg := testConfig()
	action := &model.ProposedAction{
		Type:            "emergency_procurement",
		FinancialImpact: 400000,
	}

	d := Evaluate(model.StageProcurement, action, cfg)
	if d.Outcome != model.RequireApproval {
		t.Fatalf("expected require_approval, got %s", d.Outcome)
	}
	if d.Rule != "gate.spend_threshold" {
		t.Errorf("expected rule gate.spend_threshold, got %s", d.Rule)
	}
}

// Spend dominance: over-threshold spend is never auto-approved no matter what
// the other attributes look like.
func TestSpendThresholdDominates(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.Vetted = []string{"acme"}

	actions := []*model.ProposedAction{
		{FinancialImpact: 50001},
		{FinancialImpact: 50001, VendorID: "acme", VendorVetted: true},
		{FinancialImpact: 50001, PercentChange: -20},
		{FinancialImpact: 1e9, PercentChange: 5},
	}

	for i, a := range actions {
		d := Evaluate(model.StageProcurement, a, cfg)
		if d.Outcome != model.RequireApproval {
			t.Errorf("case %d: expected require_approval for impact %.0f, got %s",
				i, a.FinancialImpact, d.Outcome)
		}
	}
}

func TestPriceIncreaseOverCapRequiresApproval(t *testing.T) {
	cfg := testConfig()

	d := Evaluate(model.StagePricing, &model.ProposedAction{PercentChange: 15}, cfg)
	if d.Outcome != model.RequireApproval {
		t.Fatalf("expected require_approval for +15%%, got %s", d.Outcome)
	}
	if d.Rule != "gate.price_cap" {
		t.Errorf("expected rule gate.price_cap, got %s", d.Rule)
	}
}

func TestPriceWithinCapAutoApproves(t *testing.T) {
	cfg := testConfig()

	d := Evaluate(model.StagePricing, &model.ProposedAction{PercentChange: 8}, cfg)
	if d.Outcome != model.AutoApprove {
		t.Fatalf("expected auto_approve for +8%%, got %s: %s", d.Outcome, d.Reason)
	}
}

func TestPriceDecreaseNeverGated(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds.PriceChangeCapPct = 0 // strict anti-gouging mode

	d := Evaluate(model.StagePricing, &model.ProposedAction{PercentChange: -30}, cfg)
	if d.Outcome != model.AutoApprove {
		t.Errorf("clearance markdown should auto-approve, got %s: %s", d.Outcome, d.Reason)
	}
}

func TestHardCapRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds.PriceChangeHardCapPct = 25

	d := Evaluate(model.StagePricing, &model.ProposedAction{PercentChange: 40}, cfg)
	if d.Outcome != model.Reject {
		t.Fatalf("expected reject above hard cap, got %s", d.Outcome)
	}

	// Between soft cap and hard cap still routes to a human.
	d = Evaluate(model.StagePricing, &model.ProposedAction{PercentChange: 15}, cfg)
	if d.Outcome != model.RequireApproval {
		t.Errorf("expected require_approval between caps, got %s", d.Outcome)
	}
}

func TestUnvettedVendorRequiresApproval(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.Vetted = []string{"acme"}

	d := Evaluate(model.StageProcurement, &model.ProposedAction{VendorID: "newco"}, cfg)
	if d.Outcome != model.RequireApproval {
		t.Fatalf("expected require_approval for unvetted vendor, got %s", d.Outcome)
	}

	d = Evaluate(model.StageProcurement, &model.ProposedAction{VendorID: "acme"}, cfg)
	if d.Outcome != model.AutoApprove {
		t.Errorf("vetted vendor should auto-approve, got %s", d.Outcome)
	}

	d = Evaluate(model.StageProcurement, &model.ProposedAction{VendorID: "newco", VendorVetted: true}, cfg)
	if d.Outcome != model.AutoApprove {
		t.Errorf("upstream-vetted vendor should auto-approve, got %s", d.Outcome)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	cfg := testConfig()
	action := &model.ProposedAction{FinancialImpact: 400000, PercentChange: 8}

	first := Evaluate(model.StageProcurement, action, cfg)
	for i := 0; i < 10; i++ {
		if got := Evaluate(model.StageProcurement, action, cfg); got != first {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestNilConfigUsesDefaults(t *testing.T) {
	d := Evaluate(model.StageProcurement, &model.ProposedAction{FinancialImpact: 60000}, nil)
	if d.Outcome != model.RequireApproval {
		t.Errorf("default threshold is 50000, expected require_approval, got %s", d.Outcome)
	}
}

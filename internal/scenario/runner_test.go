package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stormguard/stormguard/internal/policy"
)

func TestRunAllPass(t *testing.T) {
	s := &Scenario{
		Name: "spend gates",
		Cases: []Case{
			{Stage: "procurement", Action: ScenarioAction{Type: "emergency_procurement", FinancialImpact: 30000}, Expect: "auto_approve"},
			{Stage: "procurement", Action: ScenarioAction{Type: "emergency_procurement", FinancialImpact: 400000}, Expect: "require_approval"},
			{Stage: "pricing", Action: ScenarioAction{Type: "price_adjustment", PercentChange: 8}, Expect: "auto_approve"},
			{Stage: "pricing", Action: ScenarioAction{Type: "price_adjustment", PercentChange: 15}, Expect: "require_approval"},
		},
	}

	result := Run(s, policy.DefaultConfig())
	if result.Failed != 0 {
		t.Fatalf("expected all cases to pass, got %+v", result.Cases)
	}
	if result.Passed != 4 || result.Total != 4 {
		t.Errorf("expected 4/4, got %d/%d", result.Passed, result.Total)
	}
}

func TestRunReportsFailures(t *testing.T) {
	s := &Scenario{
		Name: "wrong expectation",
		Cases: []Case{
			{Stage: "procurement", Action: ScenarioAction{Type: "emergency_procurement", FinancialImpact: 400000}, Expect: "auto_approve"},
		},
	}

	result := Run(s, policy.DefaultConfig())
	if result.Failed != 1 {
		t.Fatalf("expected 1 failure, got %d", result.Failed)
	}
	c := result.Cases[0]
	if c.Actual != "require_approval" {
		t.Errorf("expected actual require_approval, got %s", c.Actual)
	}
	if c.Reason == "" {
		t.Error("failed case must carry the gate reason")
	}
}

func TestLoadAndRun(t *testing.T) {
	dir := t.TempDir()
	scenarioPath := filepath.Join(dir, "gates.yaml")
	os.WriteFile(scenarioPath, []byte(`name: vendor gates
cases:
  - stage: procurement
    action:
      type: emergency_procurement
      financial_impact: 20000
      vendor_id: pop-up-supplies
    expect: require_approval
  - stage: procurement
    action:
      type: emergency_procurement
      financial_impact: 20000
      vendor_id: acme
    expect: auto_approve
`), 0o644)

	policyPath := filepath.Join(dir, "policy.yaml")
	os.WriteFile(policyPath, []byte("vendors:\n  vetted: [acme]\n"), 0o644)

	result, err := LoadAndRun(scenarioPath, policyPath)
	if err != nil {
		t.Fatalf("LoadAndRun failed: %v", err)
	}
	if result.Failed != 0 {
		t.Errorf("expected all cases to pass, got %+v", result.Cases)
	}
	if result.File != scenarioPath {
		t.Errorf("expected file recorded, got %q", result.File)
	}
}

func TestLoadAndRunMissingFile(t *testing.T) {
	if _, err := LoadAndRun(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Fatal("expected error for missing scenario file")
	}
}

func TestFormatText(t *testing.T) {
	results := []*RunResult{
		{Name: "ok", Total: 2, Passed: 2},
		{Name: "broken", Total: 1, Failed: 1, Cases: []CaseResult{
			{Index: 1, Stage: "pricing", Type: "price_adjustment", Expected: "reject", Actual: "require_approval"},
		}},
	}

	out := FormatText(results)
	if !strings.Contains(out, "PASS  ok (2/2)") {
		t.Errorf("missing pass line:\n%s", out)
	}
	if !strings.Contains(out, "FAIL  broken (0/1)") {
		t.Errorf("missing fail line:\n%s", out)
	}
	if !strings.Contains(out, "expected reject, got require_approval") {
		t.Errorf("missing case detail:\n%s", out)
	}
	if !strings.Contains(out, "2 of 3 cases passed") {
		t.Errorf("missing summary:\n%s", out)
	}
}

// Package scenario runs policy gate test cases from YAML files, so a
// policy change can be checked against expected outcomes before rollout.
package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stormguard/stormguard/internal/model"
	"github.com/stormguard/stormguard/internal/policy"
)

// Run evaluates all cases in a scenario against the given policy.
// Cases are independent of each other.
func Run(s *Scenario, cfg *policy.Config) *RunResult {
	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		action := &model.ProposedAction{
			Type:            c.Action.Type,
			FinancialImpact: c.Action.FinancialImpact,
			PercentChange:   c.Action.PercentChange,
			VendorID:        c.Action.VendorID,
			VendorVetted:    c.Action.VendorVetted,
		}

		decision := policy.Evaluate(model.Stage(c.Stage), action, cfg)
		actual := string(decision.Outcome)
		expected := strings.ToLower(c.Expect)

		cr := CaseResult{
			Index:    i + 1,
			Stage:    c.Stage,
			Type:     c.Action.Type,
			Expected: expected,
			Actual:   actual,
			Reason:   decision.Reason,
		}

		if actual == expected {
			cr.Passed = true
			result.Passed++
		} else {
			result.Failed++
		}

		result.Cases = append(result.Cases, cr)
	}

	return result
}

// LoadAndRun loads a scenario YAML file and the policy, then runs all cases.
func LoadAndRun(path, policyPath string) (*RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	cfg, err := policy.LoadConfig(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	result := Run(&s, cfg)
	result.File = path

	return result, nil
}

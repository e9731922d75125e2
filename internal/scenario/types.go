package scenario

// ScenarioAction defines the proposed action under test.
type ScenarioAction struct {
	Type            string  `yaml:"type"`
	FinancialImpact float64 `yaml:"financial_impact,omitempty"`
	PercentChange   float64 `yaml:"percent_change,omitempty"`
	VendorID        string  `yaml:"vendor_id,omitempty"`
	VendorVetted    bool    `yaml:"vendor_vetted,omitempty"`
}

// Case is one gate test case within a scenario.
type Case struct {
	Stage  string         `yaml:"stage"`
	Action ScenarioAction `yaml:"action"`
	Expect string         `yaml:"expect"`
}

// Scenario is a named collection of policy gate test cases.
type Scenario struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Stage    string `json:"stage"`
	Type     string `json:"type"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Reason   string `json:"reason"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}

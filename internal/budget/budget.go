// Package budget tracks per-run inference spend so a single disrupted
// pipeline cannot burn an unbounded number of model calls.
package budget

import (
	"fmt"
	"sync"
)

// Usage captures the current consumption snapshot for one run.
type Usage struct {
	Calls   int
	CostUSD float64
}

// CheckResult is the outcome of a budget check.
type CheckResult struct {
	Exceeded bool
	Current  float64
	Limit    float64
	Reason   string
}

// Tracker accumulates inference cost per run. Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	perCallUSD float64
	maxRunUSD  float64
	usageByRun map[string]*Usage
}

// NewTracker creates a tracker. maxRunUSD <= 0 disables enforcement;
// perCallUSD <= 0 makes calls free but still counted.
func NewTracker(perCallUSD, maxRunUSD float64) *Tracker {
	return &Tracker{
		perCallUSD: perCallUSD,
		maxRunUSD:  maxRunUSD,
		usageByRun: map[string]*Usage{},
	}
}

// Charge records one model call against the run and returns the updated
// usage snapshot.
func (t *Tracker) Charge(runID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usageByRun[runID]
	if u == nil {
		u = &Usage{}
		t.usageByRun[runID] = u
	}
	u.Calls++
	u.CostUSD += t.perCallUSD
	return *u
}

// Check compares the run's accumulated cost against the limit.
func (t *Tracker) Check(runID string) CheckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxRunUSD <= 0 {
		return CheckResult{}
	}
	u := t.usageByRun[runID]
	if u == nil || u.CostUSD < t.maxRunUSD {
		var current float64
		if u != nil {
			current = u.CostUSD
		}
		return CheckResult{Current: current, Limit: t.maxRunUSD}
	}
	return CheckResult{
		Exceeded: true,
		Current:  u.CostUSD,
		Limit:    t.maxRunUSD,
		Reason:   fmt.Sprintf("budget exceeded: $%.4f inference cost >= $%.4f max_run_cost", u.CostUSD, t.maxRunUSD),
	}
}

// Snapshot returns the run's current usage without charging.
func (t *Tracker) Snapshot(runID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u := t.usageByRun[runID]; u != nil {
		return *u
	}
	return Usage{}
}

// Release drops the run's accounting once the run is terminal.
func (t *Tracker) Release(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.usageByRun, runID)
}

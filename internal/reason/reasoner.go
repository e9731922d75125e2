// Package reason is the boundary to the reasoning collaborator that produces
// each stage's recommendation. The orchestration core treats it as an opaque
// function; any structured-decision generator can sit behind the interface.
package reason

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stormguard/stormguard/internal/model"
)

// Request carries everything a backend needs to reason about one stage:
// the triggering event and the outputs of all upstream stages.
type Request struct {
	Stage    model.Stage
	Event    model.Event
	Upstream map[model.Stage]json.RawMessage
}

// Reasoner produces the raw decision text for one stage. The text must be a
// JSON document matching the stage's schema; the stage adapter validates it.
type Reasoner interface {
	Infer(ctx context.Context, req Request) (string, error)
}

// TransientError marks a failure worth retrying: timeouts, throttling,
// temporary unavailability. Anything else (malformed output, bad request,
// permission) is permanent and fails the stage on first occurrence.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Params are the disruption characteristics a backend reasons over. They
// come from the event payload when present, otherwise from severity-scaled
// defaults matching the published storm scenarios.
type Params struct {
	Spike            float64
	BudgetUSD        float64
	StoresAtRisk     int
	CriticalProducts string
	DurationDays     int
	VendorID         string
	VendorVetted     bool
	PriceAdjustPct   float64
}

// EventParams extracts Params from an event.
func EventParams(ev model.Event) Params {
	p := defaultsForSeverity(ev.Severity)

	if v, ok := toFloat(ev.Payload["spike"]); ok {
		p.Spike = v
	}
	if v, ok := toFloat(ev.Payload["budget_usd"]); ok {
		p.BudgetUSD = v
	}
	if v, ok := toFloat(ev.Payload["stores_at_risk"]); ok {
		p.StoresAtRisk = int(v)
	}
	if v, ok := ev.Payload["critical_products"].(string); ok && v != "" {
		p.CriticalProducts = v
	}
	if v, ok := toFloat(ev.Payload["duration_days"]); ok {
		p.DurationDays = int(v)
	}
	if v, ok := ev.Payload["vendor_id"].(string); ok {
		p.VendorID = v
	}
	if v, ok := ev.Payload["vendor_vetted"].(bool); ok {
		p.VendorVetted = v
	}
	if v, ok := toFloat(ev.Payload["price_adjustment_pct"]); ok {
		p.PriceAdjustPct = v
	}
	return p
}

// defaultsForSeverity scales the scenario with event severity: a category 4+
// storm looks like Hurricane Milton, 3 like Winter Storm Uri, below that a
// tropical storm.
func defaultsForSeverity(severity int) Params {
	switch {
	case severity >= 4:
		return Params{Spike: 4.2, BudgetUSD: 650000, StoresAtRisk: 42, CriticalProducts: "water, food, medical supplies", DurationDays: 8}
	case severity == 3:
		return Params{Spike: 2.8, BudgetUSD: 400000, StoresAtRisk: 18, CriticalProducts: "generators, heaters, blankets", DurationDays: 5}
	default:
		return Params{Spike: 2.2, BudgetUSD: 300000, StoresAtRisk: 15, CriticalProducts: "water, batteries, tarps", DurationDays: 4}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

package budget

import (
	"sync"
	"testing"
)

func TestChargeAccumulatesPerRun(t *testing.T) {
	tr := NewTracker(0.0045, 1.0)

	tr.Charge("run-1")
	u := tr.Charge("run-1")
	if u.Calls != 2 {
		t.Errorf("expected 2 calls, got %d", u.Calls)
	}
	if u.CostUSD != 0.009 {
		t.Errorf("expected cost 0.009, got %v", u.CostUSD)
	}

	if other := tr.Snapshot("run-2"); other.Calls != 0 {
		t.Errorf("runs must be accounted independently, got %+v", other)
	}
}

func TestCheckExceeded(t *testing.T) {
	tr := NewTracker(0.5, 1.0)

	tr.Charge("run-1")
	if res := tr.Check("run-1"); res.Exceeded {
		t.Errorf("under limit should not be exceeded: %+v", res)
	}

	tr.Charge("run-1")
	res := tr.Check("run-1")
	if !res.Exceeded {
		t.Fatalf("expected exceeded at limit, got %+v", res)
	}
	if res.Reason == "" {
		t.Error("expected a human-readable reason")
	}
}

func TestCheckDisabledWhenNoLimit(t *testing.T) {
	tr := NewTracker(100, 0)
	tr.Charge("run-1")
	if res := tr.Check("run-1"); res.Exceeded {
		t.Errorf("limit disabled, nothing should be exceeded: %+v", res)
	}
}

func TestReleaseDropsAccounting(t *testing.T) {
	tr := NewTracker(0.1, 1.0)
	tr.Charge("run-1")
	tr.Release("run-1")
	if u := tr.Snapshot("run-1"); u.Calls != 0 {
		t.Errorf("expected zero usage after release, got %+v", u)
	}
}

func TestConcurrentCharges(t *testing.T) {
	tr := NewTracker(0.01, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Charge("run-1")
		}()
	}
	wg.Wait()

	if u := tr.Snapshot("run-1"); u.Calls != 50 {
		t.Errorf("expected 50 calls, got %d", u.Calls)
	}
}

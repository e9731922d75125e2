package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/model"
	"github.com/stormguard/stormguard/internal/policy"
	"github.com/stormguard/stormguard/internal/reason"
	"github.com/stormguard/stormguard/internal/store"
)

type fixture struct {
	orch      *Orchestrator
	runs      *store.Store
	approvals *approval.Store
	log       *audit.Log
}

func newFixture(t *testing.T, r reason.Reasoner, cfg *policy.Config) *fixture {
	t.Helper()

	runs, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open run store: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	approvals, err := approval.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("open approval store: %v", err)
	}
	log, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	if r == nil {
		r = reason.NewRules()
	}
	orch := New(Options{
		Runs:       runs,
		Approvals:  approvals,
		Audit:      log,
		Reasoner:   r,
		Logger:     zap.NewNop(),
		Config:     cfg,
		PolicyHash: "sha256:test",
	})
	return &fixture{orch: orch, runs: runs, approvals: approvals, log: log}
}

func stormEvent(payload map[string]any) model.Event {
	return model.Event{
		Type:     "winter_storm_warning",
		Severity: 3,
		Payload:  payload,
	}
}

// start triggers a run and waits for it to suspend or terminate.
func (f *fixture) start(t *testing.T, ev model.Event) string {
	t.Helper()
	runID, err := f.orch.Start(context.Background(), ev)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.orch.Wait()
	return runID
}

func (f *fixture) status(t *testing.T, runID string) *model.PipelineRun {
	t.Helper()
	run, err := f.orch.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	return run
}

func TestLargeSpendSuspendsThenCompletesOnApproval(t *testing.T) {
	f := newFixture(t, nil, nil)

	runID := f.start(t, stormEvent(map[string]any{
		"budget_usd":           400000,
		"price_adjustment_pct": 8.0,
	}))

	run := f.status(t, runID)
	if run.Status != model.StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", run.Status)
	}
	if run.CurrentStage != model.StageProcurement {
		t.Fatalf("expected suspension at procurement, got %s", run.CurrentStage)
	}

	req, err := f.approvals.PendingForRun(runID)
	if err != nil || req == nil {
		t.Fatalf("expected a pending approval request, got %v (%v)", req, err)
	}
	if req.Proposed.FinancialImpact != 400000 {
		t.Errorf("request must carry the proposed spend, got %v", req.Proposed.FinancialImpact)
	}

	if err := f.orch.Resume(context.Background(), runID, approval.OutcomeApproved, "cfo@example.com", "go"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	f.orch.Wait()

	run = f.status(t, runID)
	if run.Status != model.StatusCompleted {
		t.Fatalf("expected completed after approval, got %s (%s)", run.Status, run.FailureReason)
	}

	// The 8% increase is under the 10% cap and must not have suspended.
	pricing := run.Result(model.StagePricing)
	if pricing == nil || pricing.Gate == nil {
		t.Fatal("pricing stage must be gated")
	}
	if pricing.Gate.Outcome != model.AutoApprove {
		t.Errorf("expected pricing auto_approve, got %s", pricing.Gate.Outcome)
	}

	if run.Summary == nil {
		t.Fatal("completed run must carry a summary")
	}
	if run.Summary.TotalFinancialImpact != 400000 {
		t.Errorf("expected total impact 400000, got %v", run.Summary.TotalFinancialImpact)
	}
	if run.Summary.ApprovalsRequired != 1 || run.Summary.ApprovalsGranted != 1 {
		t.Errorf("expected 1 approval required and granted, got %+v", run.Summary)
	}
}

func TestPriceIncreaseRejectionFailsRun(t *testing.T) {
	f := newFixture(t, nil, nil)

	runID := f.start(t, stormEvent(map[string]any{
		"budget_usd":           30000,
		"price_adjustment_pct": 15.0,
	}))

	run := f.status(t, runID)
	if run.Status != model.StatusPendingApproval || run.CurrentStage != model.StagePricing {
		t.Fatalf("expected suspension at pricing, got %s at %s", run.Status, run.CurrentStage)
	}

	if err := f.orch.Resume(context.Background(), runID, approval.OutcomeRejected, "cro@example.com", "gouging risk"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	f.orch.Wait()

	run = f.status(t, runID)
	if run.Status != model.StatusFailed {
		t.Fatalf("expected failed after rejection, got %s", run.Status)
	}
	if run.FailureReason != FailureRejected {
		t.Errorf("expected failure reason %q, got %q", FailureRejected, run.FailureReason)
	}
	if run.Result(model.StageRisk) != nil {
		t.Error("risk stage must not run after rejection")
	}

	// Recorded actions are voided, not rolled back.
	pricing := run.Result(model.StagePricing)
	if pricing == nil || pricing.Proposed == nil || !pricing.Proposed.Cancelled {
		t.Errorf("proposed action must be marked cancelled: %+v", pricing)
	}
}

func TestFullyAutomatedRun(t *testing.T) {
	f := newFixture(t, nil, nil)

	runID := f.start(t, stormEvent(map[string]any{
		"budget_usd":           30000,
		"price_adjustment_pct": 0.0,
	}))

	run := f.status(t, runID)
	if run.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.FailureReason)
	}
	if len(run.StageResults) != len(model.StageOrder) {
		t.Fatalf("expected %d stage results, got %d", len(model.StageOrder), len(run.StageResults))
	}
	for i, st := range model.StageOrder {
		if run.StageResults[i].Stage != st {
			t.Errorf("stage %d = %s, want %s", i, run.StageResults[i].Stage, st)
		}
	}
	if run.Summary.ApprovalsRequired != 0 {
		t.Errorf("expected no approvals, got %d", run.Summary.ApprovalsRequired)
	}
	if run.Summary.AutomationLevelPct != 100 {
		t.Errorf("expected 100%% automation, got %v", run.Summary.AutomationLevelPct)
	}
}

func TestHardCapRejectsWithoutHuman(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Thresholds.PriceChangeHardCapPct = 25
	f := newFixture(t, nil, cfg)

	runID := f.start(t, stormEvent(map[string]any{
		"budget_usd":           30000,
		"price_adjustment_pct": 30.0,
	}))

	run := f.status(t, runID)
	if run.Status != model.StatusFailed {
		t.Fatalf("expected failed on hard cap, got %s", run.Status)
	}
	if req, _ := f.approvals.PendingForRun(runID); req != nil {
		t.Error("hard cap violations must not be routed to a human")
	}
	pricing := run.Result(model.StagePricing)
	if pricing == nil || pricing.Gate == nil || pricing.Gate.Outcome != model.Reject {
		t.Errorf("expected reject gate on pricing, got %+v", pricing)
	}
}

func TestUnvettedVendorSuspends(t *testing.T) {
	f := newFixture(t, nil, nil)

	runID := f.start(t, stormEvent(map[string]any{
		"budget_usd":           30000,
		"price_adjustment_pct": 0.0,
		"vendor_id":            "pop-up-supplies-llc",
	}))

	run := f.status(t, runID)
	if run.Status != model.StatusPendingApproval || run.CurrentStage != model.StageProcurement {
		t.Fatalf("expected suspension at procurement for unvetted vendor, got %s at %s", run.Status, run.CurrentStage)
	}
	proc := run.Result(model.StageProcurement)
	if proc.Gate.Rule != "gate.unvetted_vendor" {
		t.Errorf("expected unvetted vendor rule, got %s", proc.Gate.Rule)
	}
}

func TestResumeIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	runID := f.start(t, stormEvent(map[string]any{"budget_usd": 400000, "price_adjustment_pct": 0.0}))

	if err := f.orch.Resume(context.Background(), runID, approval.OutcomeApproved, "cfo", ""); err != nil {
		t.Fatal(err)
	}
	f.orch.Wait()

	if err := f.orch.Resume(context.Background(), runID, approval.OutcomeApproved, "cfo", ""); err != nil {
		t.Fatalf("repeated identical decision must be a no-op: %v", err)
	}
	f.orch.Wait()

	entries, _ := f.log.ReadAll(runID)
	resumed := 0
	for _, e := range entries {
		if e.Kind == audit.KindRunResumed {
			resumed++
		}
	}
	if resumed != 1 {
		t.Errorf("expected exactly 1 run_resumed entry, got %d", resumed)
	}
}

func TestResumeConflictingDecisionFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	runID := f.start(t, stormEvent(map[string]any{"budget_usd": 400000, "price_adjustment_pct": 0.0}))

	if err := f.orch.Resume(context.Background(), runID, approval.OutcomeApproved, "cfo", ""); err != nil {
		t.Fatal(err)
	}
	f.orch.Wait()

	err := f.orch.Resume(context.Background(), runID, approval.OutcomeRejected, "cro", "")
	if !errors.Is(err, approval.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestResumeWithoutSuspension(t *testing.T) {
	f := newFixture(t, nil, nil)
	runID := f.start(t, stormEvent(map[string]any{"budget_usd": 30000, "price_adjustment_pct": 0.0}))

	err := f.orch.Resume(context.Background(), runID, approval.OutcomeApproved, "cfo", "")
	if !errors.Is(err, ErrRunNotSuspended) {
		t.Fatalf("expected ErrRunNotSuspended, got %v", err)
	}
}

func TestCancelSuspendedRun(t *testing.T) {
	f := newFixture(t, nil, nil)
	runID := f.start(t, stormEvent(map[string]any{"budget_usd": 400000, "price_adjustment_pct": 0.0}))

	if err := f.orch.Cancel(context.Background(), runID, "exercise over"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	run := f.status(t, runID)
	if run.Status != model.StatusFailed || run.FailureReason != "exercise over" {
		t.Errorf("expected failed with operator reason, got %s (%s)", run.Status, run.FailureReason)
	}

	req, _ := f.approvals.Get(approval.RequestID(runID, model.StageProcurement))
	if req.Status != approval.StatusRejected {
		t.Errorf("pending request must be rejected on cancel, got %s", req.Status)
	}

	if err := f.orch.Cancel(context.Background(), runID, ""); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("cancelling a terminal run must fail, got %v", err)
	}
}

type failingReasoner struct{}

func (failingReasoner) Infer(ctx context.Context, req reason.Request) (string, error) {
	return "", errors.New("model access denied")
}

func TestStageFailureFailsRun(t *testing.T) {
	f := newFixture(t, failingReasoner{}, nil)
	runID := f.start(t, stormEvent(nil))

	run := f.status(t, runID)
	if run.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if !strings.Contains(run.FailureReason, "demand") {
		t.Errorf("failure reason must name the stage: %q", run.FailureReason)
	}
}

func TestRecoverFailsInterruptedRuns(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	interrupted := &model.PipelineRun{
		ID:        "run-orphan",
		Event:     stormEvent(nil),
		Status:    model.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.runs.Create(ctx, interrupted)

	suspended := f.start(t, stormEvent(map[string]any{"budget_usd": 400000, "price_adjustment_pct": 0.0}))

	n, err := f.orch.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered run, got %d", n)
	}

	got := f.status(t, "run-orphan")
	if got.Status != model.StatusFailed || got.FailureReason != FailureInterrupted {
		t.Errorf("expected interrupted failure, got %s (%s)", got.Status, got.FailureReason)
	}

	// Suspended runs survive restarts untouched.
	if f.status(t, suspended).Status != model.StatusPendingApproval {
		t.Error("suspended run must not be touched by recovery")
	}
}

func TestAuditTrailIsChainedAndGapFree(t *testing.T) {
	f := newFixture(t, nil, nil)
	runID := f.start(t, stormEvent(map[string]any{"budget_usd": 400000, "price_adjustment_pct": 8.0}))

	f.orch.Resume(context.Background(), runID, approval.OutcomeApproved, "cfo", "")
	f.orch.Wait()

	res := audit.Verify(f.log.Path(runID))
	if !res.Valid {
		t.Fatalf("audit trail invalid at line %d: %s", res.ErrorLine, res.Error)
	}

	entries, _ := f.log.ReadAll(runID)
	if entries[0].Kind != audit.KindRunStarted {
		t.Errorf("first entry must be run_started, got %s", entries[0].Kind)
	}
	last := entries[len(entries)-1]
	if last.Kind != audit.KindRunCompleted {
		t.Errorf("last entry must be run_completed, got %s", last.Kind)
	}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Fatalf("sequence gap at index %d: seq %d", i, e.Seq)
		}
	}
}

func TestExpireApprovalsFailsBlockedRun(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Approvals.MaxPendingAge = time.Nanosecond
	f := newFixture(t, nil, cfg)

	runID := f.start(t, stormEvent(map[string]any{"budget_usd": 400000, "price_adjustment_pct": 0.0}))
	time.Sleep(10 * time.Millisecond)

	n, err := f.orch.ExpireApprovals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired approval, got %d", n)
	}

	run := f.status(t, runID)
	if run.Status != model.StatusFailed || run.FailureReason != FailureRejected {
		t.Errorf("expected rejection after expiry, got %s (%s)", run.Status, run.FailureReason)
	}
}

func TestStageInputsRecorded(t *testing.T) {
	f := newFixture(t, nil, nil)
	runID := f.start(t, stormEvent(map[string]any{
		"budget_usd":           30000,
		"price_adjustment_pct": 0.0,
	}))

	run := f.status(t, runID)
	if run.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.FailureReason)
	}

	for _, st := range model.StageOrder {
		res := run.Result(st)
		if res == nil {
			t.Fatalf("missing result for stage %s", st)
		}
		if len(res.Input) == 0 {
			t.Errorf("stage %s: input snapshot is empty", st)
		}
	}

	var snap struct {
		Event    model.Event                     `json:"event"`
		Upstream map[model.Stage]json.RawMessage `json:"upstream"`
	}
	if err := json.Unmarshal(run.Result(model.StageInventory).Input, &snap); err != nil {
		t.Fatalf("inventory input snapshot is not valid JSON: %v", err)
	}
	if snap.Event.Type != "winter_storm_warning" {
		t.Errorf("snapshot must carry the triggering event, got %q", snap.Event.Type)
	}
	if _, ok := snap.Upstream[model.StageDemand]; !ok {
		t.Error("inventory snapshot must include the demand output")
	}
}

func TestFinishedDriveKeepsSuccessorCancel(t *testing.T) {
	f := newFixture(t, nil, nil)
	o := f.orch

	_, cancelOld := context.WithCancel(context.Background())
	old := &runCancel{cancel: cancelOld}
	o.mu.Lock()
	o.cancels["run-x"] = old
	o.mu.Unlock()

	// A resumed drive registers before the finished one cleans up.
	ctx, cancelNew := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels["run-x"] = &runCancel{cancel: cancelNew}
	o.mu.Unlock()

	o.unregister("run-x", old)

	o.mu.Lock()
	h := o.cancels["run-x"]
	o.mu.Unlock()
	if h == nil {
		t.Fatal("late cleanup removed the successor's cancel func")
	}
	h.cancel()
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Error("expected the successor context to be cancelled")
	}
}

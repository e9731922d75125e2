package mcp

import (
	"context"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		PolicyPath:   filepath.Join(dir, "policy.yaml"),
		RunDBPath:    filepath.Join(dir, "runs.db"),
		ApprovalsDir: filepath.Join(dir, "approvals"),
		AuditDir:     filepath.Join(dir, "audit"),
		Demo:         true,
	}
	s, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	t.Cleanup(func() { s.runs.Close() })
	return s
}

func trigger(t *testing.T, s *Server, payload map[string]any) string {
	t.Helper()
	_, out, err := s.handleTrigger(context.Background(), &mcpsdk.CallToolRequest{}, TriggerInput{
		EventType: "hurricane_warning",
		Severity:  3,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	s.orch.Wait()
	return out.RunID
}

func TestTriggerAndStatus(t *testing.T) {
	s := newTestServer(t)

	runID := trigger(t, s, map[string]any{"budget_usd": 30000, "price_adjustment_pct": 0.0})

	_, out, err := s.handleStatus(context.Background(), &mcpsdk.CallToolRequest{}, StatusInput{RunID: runID})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if out.Status != string(model.StatusCompleted) {
		t.Errorf("expected completed, got %s (%s)", out.Status, out.FailureReason)
	}
	if len(out.Stages) != 5 {
		t.Errorf("expected 5 stage items, got %d", len(out.Stages))
	}
	if out.Summary == nil {
		t.Error("completed run must include a summary")
	}
}

func TestTriggerRejectsBadSeverity(t *testing.T) {
	s := newTestServer(t)

	result, _, err := s.handleTrigger(context.Background(), &mcpsdk.CallToolRequest{}, TriggerInput{
		EventType: "storm",
		Severity:  9,
	})
	if err == nil {
		t.Fatal("expected error for out-of-range severity")
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result")
	}
}

func TestPendingAndApproveFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	runID := trigger(t, s, map[string]any{"budget_usd": 400000, "price_adjustment_pct": 0.0})

	_, pending, err := s.handlePending(ctx, &mcpsdk.CallToolRequest{}, PendingInput{})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Approvals) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending.Approvals))
	}
	item := pending.Approvals[0]
	if item.RunID != runID || item.Stage != "procurement" || item.FinancialImpact != 400000 {
		t.Errorf("unexpected pending item %+v", item)
	}

	_, out, err := s.handleApprove(ctx, &mcpsdk.CallToolRequest{}, DecideInput{
		RunID:     runID,
		DecidedBy: "cfo@example.com",
	})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	s.orch.Wait()

	_, status, _ := s.handleStatus(ctx, &mcpsdk.CallToolRequest{}, StatusInput{RunID: out.RunID})
	if status.Status != string(model.StatusCompleted) {
		t.Errorf("expected completed after approval, got %s", status.Status)
	}
}

func TestRejectFailsRun(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	runID := trigger(t, s, map[string]any{"budget_usd": 400000, "price_adjustment_pct": 0.0})

	_, out, err := s.handleReject(ctx, &mcpsdk.CallToolRequest{}, DecideInput{
		RunID:     runID,
		DecidedBy: "cro@example.com",
		Note:      "over reserve",
	})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if out.Status != string(model.StatusFailed) {
		t.Errorf("expected failed after rejection, got %s", out.Status)
	}
}

func TestDecideRequiresIdentity(t *testing.T) {
	s := newTestServer(t)

	result, _, err := s.handleApprove(context.Background(), &mcpsdk.CallToolRequest{}, DecideInput{RunID: "x"})
	if err == nil {
		t.Fatal("expected error when decided_by missing")
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result")
	}
}

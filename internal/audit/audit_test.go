package audit

import (
	"os"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	return l
}

func TestSequenceStartsAtOneAndIncrements(t *testing.T) {
	l := newTestLog(t)

	for i := 1; i <= 5; i++ {
		seq, err := l.Append(Entry{RunID: "run-1", Actor: ActorSystem, Kind: KindRunStarted})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if seq != i {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}
}

func TestRunsHaveIndependentSequences(t *testing.T) {
	l := newTestLog(t)

	l.Append(Entry{RunID: "run-a", Kind: KindRunStarted})
	l.Append(Entry{RunID: "run-a", Kind: KindStageStarted})
	seq, err := l.Append(Entry{RunID: "run-b", Kind: KindRunStarted})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("run-b first entry should be seq 1, got %d", seq)
	}
}

func TestReadAllRoundTrip(t *testing.T) {
	l := newTestLog(t)

	l.Append(Entry{RunID: "run-1", Actor: ActorSystem, Kind: KindRunStarted, Details: Details{EventType: "hurricane_warning", Severity: 4}})
	l.Append(Entry{RunID: "run-1", Actor: "demand", Kind: KindStageCompleted, Stage: "demand"})

	entries, err := l.ReadAll("run-1")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindRunStarted || entries[0].Seq != 1 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Details.EventType != "" {
		t.Errorf("details bled across entries: %+v", entries[1])
	}
}

func TestReadAllMissingRunIsEmpty(t *testing.T) {
	l := newTestLog(t)
	entries, err := l.ReadAll("never-ran")
	if err != nil {
		t.Fatalf("missing run should not error: %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil, got %d entries", len(entries))
	}
}

func TestChainRecoveredAfterReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	l.Append(Entry{RunID: "run-1", Kind: KindRunStarted})
	l.Append(Entry{RunID: "run-1", Kind: KindStageStarted})

	// Simulate restart
	l2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	seq, err := l2.Append(Entry{RunID: "run-1", Kind: KindStageCompleted})
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("expected seq 3 after reopen, got %d", seq)
	}

	result := Verify(l2.Path("run-1"))
	if !result.Valid {
		t.Errorf("chain broken after reopen at line %d: %s", result.ErrorLine, result.Error)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLog(t)
	l.Append(Entry{RunID: "run-1", Kind: KindRunStarted})
	l.Append(Entry{RunID: "run-1", Kind: KindStageStarted, Stage: "demand"})
	l.Append(Entry{RunID: "run-1", Kind: KindStageCompleted, Stage: "demand"})

	path := l.Path("run-1")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Flip a byte in the middle of the file
	tampered := append([]byte(nil), data...)
	mid := len(tampered) / 2
	if tampered[mid] == '\n' {
		mid++
	}
	tampered[mid] ^= 0x01
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatal(err)
	}

	result := Verify(path)
	if result.Valid {
		t.Error("expected verification failure after tampering")
	}
}

func TestVerifyValidChain(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 10; i++ {
		l.Append(Entry{RunID: "run-1", Kind: KindStageAttempt, Details: Details{Attempt: i + 1}})
	}

	result := Verify(l.Path("run-1"))
	if !result.Valid {
		t.Fatalf("expected valid chain: %s (line %d)", result.Error, result.ErrorLine)
	}
	if result.Lines != 10 {
		t.Errorf("expected 10 lines, got %d", result.Lines)
	}
}

func TestAppendRejectsBadRunID(t *testing.T) {
	l := newTestLog(t)
	if _, err := l.Append(Entry{RunID: "../escape"}); err == nil {
		t.Error("expected error for path traversal run id")
	}
	if _, err := l.Append(Entry{}); err == nil {
		t.Error("expected error for empty run id")
	}
}

func TestAppendResyncsAfterExternalWrite(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}

	a.Append(Entry{RunID: "run-1", Kind: KindRunStarted})
	a.Append(Entry{RunID: "run-1", Kind: KindStageStarted})

	seq, err := b.Append(Entry{RunID: "run-1", Kind: KindStageCompleted})
	if err != nil {
		t.Fatalf("append via second log failed: %v", err)
	}
	if seq != 3 {
		t.Errorf("expected seq 3 from second log, got %d", seq)
	}

	seq, err = a.Append(Entry{RunID: "run-1", Kind: KindRunCompleted})
	if err != nil {
		t.Fatalf("append via first log failed: %v", err)
	}
	if seq != 4 {
		t.Errorf("expected seq 4 after resync, got %d", seq)
	}

	res := Verify(a.Path("run-1"))
	if !res.Valid {
		t.Fatalf("chain invalid at line %d: %s", res.ErrorLine, res.Error)
	}
	if res.Lines != 4 {
		t.Errorf("expected 4 entries, got %d", res.Lines)
	}
}

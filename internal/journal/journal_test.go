package journal

import "testing"

func TestMemoryJournalRecordsInOrder(t *testing.T) {
	j := NewMemoryJournal()
	runID, err := j.StartRun("g1", "reach a conclusion", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a non-empty run id")
	}

	if err := j.RecordNodeEnter(runID, "A"); err != nil {
		t.Fatalf("RecordNodeEnter: %v", err)
	}
	if err := j.RecordDecision(runID, Decision{NodeID: "A", Success: true}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if err := j.ReportProblem(runID, SeverityWarning, "retrying node A"); err != nil {
		t.Fatalf("ReportProblem: %v", err)
	}
	if err := j.EndRun(runID, true, map[string]any{"x": 1, "y": 2}, "done"); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	history := j.History(runID)
	wantKinds := []RecordKind{KindRunStart, KindNodeEnter, KindDecisionRecorded, KindProblemReported, KindRunEnd}
	if len(history) != len(wantKinds) {
		t.Fatalf("got %d records, want %d", len(history), len(wantKinds))
	}
	for i, k := range wantKinds {
		if history[i].Kind != k {
			t.Errorf("record %d: got kind %q, want %q", i, history[i].Kind, k)
		}
		if history[i].RunID != runID {
			t.Errorf("record %d: got run id %q, want %q", i, history[i].RunID, runID)
		}
	}
}

func TestMemoryJournalSeparatesRuns(t *testing.T) {
	j := NewMemoryJournal()
	run1, _ := j.StartRun("g1", "first", nil)
	run2, _ := j.StartRun("g1", "second", nil)

	j.RecordNodeEnter(run1, "A")
	j.RecordNodeEnter(run2, "B")
	j.RecordNodeEnter(run2, "C")

	if got := len(j.History(run1)); got != 2 {
		t.Errorf("run1: got %d records, want 2", got)
	}
	if got := len(j.History(run2)); got != 3 {
		t.Errorf("run2: got %d records, want 3", got)
	}
}

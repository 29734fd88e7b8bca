// Package journal defines the append-only run-history collaborator the
// executor hands every record to, plus an in-memory reference implementation
// for tests and embedding callers that do not wire durable storage.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a ReportProblem call.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RecordKind distinguishes the five record shapes a run can produce.
type RecordKind string

const (
	KindRunStart         RecordKind = "run_start"
	KindNodeEnter        RecordKind = "node_enter"
	KindDecisionRecorded RecordKind = "decision_recorded"
	KindProblemReported  RecordKind = "problem_reported"
	KindRunEnd           RecordKind = "run_end"
)

// Decision captures a proposed plan, its outcome, and any guardrail verdicts
// attached to it, for the DecisionRecorded record kind.
type Decision struct {
	NodeID     string
	Proposed   map[string]any
	Success    bool
	Violations []string
	Warnings   []string
}

// Record is one entry of a run's append-only history.
type Record struct {
	Kind      RecordKind
	RunID     string
	Time      time.Time
	NodeID    string         `json:"node_id,omitempty"`
	Severity  Severity       `json:"severity,omitempty"`
	Message   string         `json:"message,omitempty"`
	Decision  *Decision      `json:"decision,omitempty"`
	Success   bool           `json:"success,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Narrative string         `json:"narrative,omitempty"`
}

// Journal is the storage/runtime-journal collaborator consumed by the
// executor (§6.2). A failure never aborts a run: the executor discards the
// error a journal call returns and continues. It does not log that error.
type Journal interface {
	StartRun(goalID, goalDescription string, input map[string]any) (runID string, err error)
	ReportProblem(runID string, severity Severity, description string) error
	EndRun(runID string, success bool, output map[string]any, narrative string) error

	// RecordNodeEnter and RecordDecision are supplemented beyond the minimal
	// §6.2 contract so the executor can self-describe a run step by step
	// (§3.1's "append-only sequence of records").
	RecordNodeEnter(runID, nodeID string) error
	RecordDecision(runID string, d Decision) error
}

// MemoryJournal is the in-process reference implementation: an append-only
// slice of Records behind a mutex. It never fails.
type MemoryJournal struct {
	mu      sync.Mutex
	records map[string][]Record
}

// NewMemoryJournal returns an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string][]Record)}
}

func (j *MemoryJournal) append(runID string, r Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r.RunID = runID
	r.Time = time.Now()
	j.records[runID] = append(j.records[runID], r)
}

// StartRun opens a new run and returns a freshly generated run id.
func (j *MemoryJournal) StartRun(goalID, goalDescription string, input map[string]any) (string, error) {
	runID := uuid.NewString()
	j.append(runID, Record{
		Kind:    KindRunStart,
		Message: goalID + ": " + goalDescription,
		Output:  input,
	})
	return runID, nil
}

// ReportProblem appends a ProblemReported record.
func (j *MemoryJournal) ReportProblem(runID string, severity Severity, description string) error {
	j.append(runID, Record{Kind: KindProblemReported, Severity: severity, Message: description})
	return nil
}

// RecordNodeEnter appends a NodeEnter record.
func (j *MemoryJournal) RecordNodeEnter(runID, nodeID string) error {
	j.append(runID, Record{Kind: KindNodeEnter, NodeID: nodeID})
	return nil
}

// RecordDecision appends a DecisionRecorded record.
func (j *MemoryJournal) RecordDecision(runID string, d Decision) error {
	j.append(runID, Record{Kind: KindDecisionRecorded, NodeID: d.NodeID, Decision: &d})
	return nil
}

// EndRun appends the terminal RunEnd record.
func (j *MemoryJournal) EndRun(runID string, success bool, output map[string]any, narrative string) error {
	j.append(runID, Record{Kind: KindRunEnd, Success: success, Output: output, Narrative: narrative})
	return nil
}

// History returns a shallow copy of every record recorded for runID, in
// append order.
func (j *MemoryJournal) History(runID string) []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	src := j.records[runID]
	out := make([]Record, len(src))
	copy(out, src)
	return out
}

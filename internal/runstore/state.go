// Package runstore owns the on-disk form of a run: the crash-safe
// state.json checkpoint, the artifacts directory beside it, and the sqlite
// catalog summarizing finished runs. The kernel owns the in-memory state
// during execution and hands snapshots here.
package runstore

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"warden/internal/budget"
	"warden/internal/finding"
	"warden/internal/runner"
)

// Run statuses.
const (
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusHalted          = "halted"
	StatusFailedInvariant = "failed_invariant"
)

// Halt reasons, in precedence order.
const (
	HaltKillSwitch      = "kill_switch"
	HaltBudgetExhausted = "budget_exhausted"
	HaltNoEligible      = "no_eligible"
	HaltCancelled       = "cancelled"
)

// Execution outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Execution is one capability attempt that consumed budget.
type Execution struct {
	Capability    string          `json:"capability"`
	Outcome       string          `json:"outcome"`
	Cost          int             `json:"cost"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Findings      int             `json:"findings"`
	Failure       *runner.Failure `json:"failure,omitempty"`
	ArtifactPaths []string        `json:"artifact_paths,omitempty"`
}

// SkipRecord explains why a capability did not run. One record per
// capability; later evaluations replace earlier ones. Terminal marks a
// runtime skip whose cause will not heal within this run (tool missing,
// endpoint down); the kernel never re-dispatches those.
type SkipRecord struct {
	Capability string         `json:"capability"`
	Reason     string         `json:"reason"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Terminal   bool           `json:"terminal,omitempty"`
}

// Metadata captures the environment a run executed in.
type Metadata struct {
	ToolVersions  map[string]string `json:"tool_versions,omitempty"`
	Platform      string            `json:"platform,omitempty"`
	KernelVersion string            `json:"kernel_version,omitempty"`
	GoVersion     string            `json:"go_version,omitempty"`
	Hostname      string            `json:"hostname,omitempty"`
	WardenVersion string            `json:"warden_version,omitempty"`
}

// RunState is the full persisted record of a run. Unknown JSON fields are
// ignored on load so newer writers stay readable.
type RunState struct {
	RunID      string    `json:"run_id"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	HaltReason string    `json:"halt_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Budget budget.State `json:"budget"`

	EscalationLevel     int  `json:"escalation_level"`
	LastEscalationLevel int  `json:"last_escalation_level"`
	HumanReview         bool `json:"human_review"`

	Executions []Execution       `json:"executions"`
	Skipped    []SkipRecord      `json:"skipped"`
	Findings   []finding.Finding `json:"findings"`

	Signals   map[string]int      `json:"signals,omitempty"`
	Graph     runner.GraphSummary `json:"graph"`
	Synthesis runner.Synthesis    `json:"synthesis"`
	Metadata  Metadata            `json:"metadata"`

	InvariantErrors []string `json:"invariant_errors,omitempty"`
}

// NewRunID builds a sortable, collision-resistant run identifier.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// NewRunState initializes a fresh running state at level 0 with nothing
// spent.
func NewRunState(runID, target string, cap int) *RunState {
	return &RunState{
		RunID:     runID,
		Target:    target,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		Budget:    budget.State{Cap: cap},
		Signals:   map[string]int{},
	}
}

// RecordExecution appends a capability attempt.
func (s *RunState) RecordExecution(exec Execution) {
	s.Executions = append(s.Executions, exec)
}

// RecordSkip upserts the skip record for a capability, keeping the first
// occurrence's position.
func (s *RunState) RecordSkip(rec SkipRecord) {
	for i, existing := range s.Skipped {
		if existing.Capability == rec.Capability {
			s.Skipped[i] = rec
			return
		}
	}
	s.Skipped = append(s.Skipped, rec)
}

// ClearSkip removes the skip record for a capability that later executed.
func (s *RunState) ClearSkip(capability string) {
	for i, existing := range s.Skipped {
		if existing.Capability == capability {
			s.Skipped = append(s.Skipped[:i], s.Skipped[i+1:]...)
			return
		}
	}
}

// ExecutedSet returns the capabilities recorded as executed, including
// failed attempts (they consumed budget and count for idempotence gating).
func (s *RunState) ExecutedSet() map[string]bool {
	out := make(map[string]bool, len(s.Executions))
	for _, e := range s.Executions {
		out[e.Capability] = true
	}
	return out
}

// TerminalSkips returns the capabilities recorded with a terminal skip.
func (s *RunState) TerminalSkips() map[string]bool {
	out := map[string]bool{}
	for _, rec := range s.Skipped {
		if rec.Terminal {
			out[rec.Capability] = true
		}
	}
	return out
}

// HasArtifact reports whether any recorded execution produced an artifact
// with the given base name. Graph analysis keys off the analyzer JSON this
// way, so the gate survives a crash-resume.
func (s *RunState) HasArtifact(base string) bool {
	for _, e := range s.Executions {
		for _, p := range e.ArtifactPaths {
			if filepath.Base(p) == base {
				return true
			}
		}
	}
	return false
}

// SignalScore sums the static risk-signal counts.
func (s *RunState) SignalScore() int {
	total := 0
	for _, n := range s.Signals {
		total += n
	}
	return total
}

// HighCount counts findings at high severity or above.
func (s *RunState) HighCount() int {
	n := 0
	for _, f := range s.Findings {
		if f.Severity.Rank() >= finding.SeverityHigh.Rank() {
			n++
		}
	}
	return n
}

// CriticalCount counts critical findings.
func (s *RunState) CriticalCount() int {
	n := 0
	for _, f := range s.Findings {
		if f.Severity == finding.SeverityCritical {
			n++
		}
	}
	return n
}

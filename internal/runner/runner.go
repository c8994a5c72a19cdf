// Package runner executes capability agents under timeout, cancellation,
// and panic isolation. The runner never retries; whether a failed
// capability is re-attempted (and re-costed) is kernel policy.
package runner

import (
	"context"
	"time"

	"warden/internal/aggregate"
	"warden/internal/finding"
)

// Failure kinds attached to capability records.
const (
	FailureTimeout   = "timeout"
	FailureToolError = "tool_error"
)

// Failure annotates an executed capability that did not complete cleanly.
// Non-fatal: the kernel loop records it and proceeds.
type Failure struct {
	Kind       string `json:"kind"`
	Diagnostic string `json:"diagnostic"`
}

// Request is the read-only view of the run an agent receives. Slices and
// maps are shared snapshots; agents must not mutate them.
type Request struct {
	RunID        string
	Target       string
	ArtifactsDir string

	// Findings is the accumulated deduped set, Ranked its scored ordering
	// as of dispatch time.
	Findings []finding.Finding
	Ranked   []aggregate.RankedFinding

	// Signals are the static risk-signal counts keyed by category.
	Signals    map[string]int
	GraphScore int

	RemainingBudget int

	// Offline suppresses all network access; agents fall back to local
	// fixtures or skip.
	Offline bool
}

// TopRanked returns the highest-ranked finding, if any.
func (r Request) TopRanked() (aggregate.RankedFinding, bool) {
	if len(r.Ranked) == 0 {
		return aggregate.RankedFinding{}, false
	}
	return r.Ranked[0], true
}

// GraphSummary is the call-graph risk picture produced by graph analysis.
type GraphSummary struct {
	Score          int `json:"score"`
	Cycles         int `json:"cycles,omitempty"`
	Privileged     int `json:"privileged,omitempty"`
	SensitiveCalls int `json:"sensitive_calls,omitempty"`
}

// Synthesis is the advisory LLM summary of a run. Never a finding.
type Synthesis struct {
	Status  string `json:"status,omitempty"` // success, error, unavailable
	Model   string `json:"model,omitempty"`
	Source  string `json:"source,omitempty"` // live, fixture
	Summary string `json:"summary,omitempty"`
}

// Result is what one capability execution produced. Exactly one of three
// shapes: skipped (reason + evidence), failed (Failure set), or success.
type Result struct {
	Capability string `json:"capability"`

	Findings      []finding.Finding `json:"findings,omitempty"`
	ArtifactPaths []string          `json:"artifact_paths,omitempty"`

	// Signals, Graph, and Synthesis update the run's risk view when set.
	Signals   map[string]int `json:"signals,omitempty"`
	Graph     *GraphSummary  `json:"graph,omitempty"`
	Synthesis *Synthesis     `json:"synthesis,omitempty"`

	Skipped      bool           `json:"skipped,omitempty"`
	SkipReason   string         `json:"skip_reason,omitempty"`
	SkipEvidence map[string]any `json:"skip_evidence,omitempty"`

	Failure *Failure `json:"failure,omitempty"`

	Summary  string    `json:"summary,omitempty"`
	Started  time.Time `json:"started_at"`
	Finished time.Time `json:"finished_at"`
}

// Skip builds a runtime-skip result. Budget already authorized for the
// attempt stays spent; authorization is never refunded.
func Skip(capability, reason string, evidence map[string]any) Result {
	return Result{Capability: capability, Skipped: true, SkipReason: reason, SkipEvidence: evidence}
}

// Agent adapts one external capability to the kernel. Implementations
// normalize tool output into findings before returning; raw output goes to
// artifact files under the request's artifacts directory.
type Agent interface {
	Name() string
	Run(ctx context.Context, req Request) (Result, error)
}

// Package capability declares the units of analysis work the kernel can
// schedule. The registry is read-only process-wide configuration: it is
// populated once at startup from explicit declarations and never mutated
// during a run.
package capability

import (
	"fmt"

	"warden/internal/finding"
)

// Capability names shipped with the default registry.
const (
	StaticScan    = "static_scan"
	GraphAnalysis = "graph_analysis"
	SoloditLookup = "solodit_lookup"
	FuzzAgent     = "fuzz_agent"
	ProofAgent    = "proof_agent"
	RepairAgent   = "repair_agent"
	LLMSynthesis  = "llm_synthesis"
)

// Skip reasons an eligibility check can report. The kernel records these
// verbatim in the run accounting.
const (
	ReasonEscalationLevel      = "escalation_level"
	ReasonAlreadyExecuted      = "already_executed"
	ReasonRequiresCapability   = "requires_capability"
	ReasonNoFindings           = "no_findings"
	ReasonThresholdNotMet      = "threshold_not_met"
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonInsufficientBudget   = "insufficient_budget"
	ReasonAnalyzerJSONMissing  = "analyzer_json_missing"
	ReasonDisabled             = "disabled"
)

// Requirement is the declarative precondition set of a capability: prior
// capabilities that must have executed plus risk-signal and budget
// thresholds evaluated against the current run state. Zero values mean
// "no constraint".
type Requirement struct {
	// Executed lists capabilities that must have completed before this
	// one becomes eligible.
	Executed []string `yaml:"executed,omitempty" json:"executed,omitempty"`

	// NeedsAnalyzerJSON requires the static analyzer JSON artifact to be
	// present on disk (graph analysis consumes it directly).
	NeedsAnalyzerJSON bool `yaml:"needs_analyzer_json,omitempty" json:"needs_analyzer_json,omitempty"`

	// MinFindings requires at least this many accumulated findings.
	MinFindings int `yaml:"min_findings,omitempty" json:"min_findings,omitempty"`

	// MinSignalScore requires the summed static signal counts to reach
	// this value, unless MinGraphScore is also satisfied (either gate
	// opens the door, matching the fuzzing thresholds).
	MinSignalScore int `yaml:"min_signal_score,omitempty" json:"min_signal_score,omitempty"`

	// MinGraphScore is the alternative threshold on the call-graph risk
	// score. Only consulted when MinSignalScore is set too.
	MinGraphScore int `yaml:"min_graph_score,omitempty" json:"min_graph_score,omitempty"`

	// TopConfidence requires the highest-ranked finding to carry at least
	// this confidence.
	TopConfidence finding.Confidence `yaml:"top_confidence,omitempty" json:"top_confidence,omitempty"`

	// RequireRepro requires the highest-ranked finding to carry
	// reproduction evidence.
	RequireRepro bool `yaml:"require_repro,omitempty" json:"require_repro,omitempty"`

	// MinRemainingBudget requires at least this much unspent budget
	// beyond the capability's own cost.
	MinRemainingBudget int `yaml:"min_remaining_budget,omitempty" json:"min_remaining_budget,omitempty"`
}

// Capability declares one unit of analysis work. Immutable once registered.
type Capability struct {
	Name       string      `yaml:"name" json:"name"`
	Cost       int         `yaml:"cost" json:"cost"`
	MinLevel   int         `yaml:"min_level" json:"min_level"`
	Idempotent bool        `yaml:"idempotent" json:"idempotent"`
	Requires   Requirement `yaml:"requires,omitempty" json:"requires,omitempty"`

	// Disabled capabilities stay registered for accounting but are never
	// eligible; DisabledReason becomes their skip reason (for example an
	// LLM capability with no endpoint configured).
	Disabled       bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	DisabledReason string `yaml:"disabled_reason,omitempty" json:"disabled_reason,omitempty"`
}

// View is the read-only slice of run state that eligibility evaluates
// against. The kernel rebuilds it every iteration from the live RunState,
// so risk-derived fields are always recomputed, never stale.
type View struct {
	Level           int
	Executed        map[string]bool
	FindingCount    int
	SignalScore     int
	GraphScore      int
	TopConfidence   finding.Confidence
	TopHasRepro     bool
	RemainingBudget int
	AnalyzerJSON    bool
}

// Registry holds the declared capabilities in registration order.
type Registry struct {
	ordered []Capability
	byName  map[string]int
}

// NewRegistry validates and indexes the declarations. Validation failures
// are configuration errors: the kernel refuses to start on them.
func NewRegistry(caps []Capability) (*Registry, error) {
	if len(caps) == 0 {
		return nil, fmt.Errorf("no capabilities registered")
	}
	r := &Registry{byName: make(map[string]int, len(caps))}
	for i, c := range caps {
		if c.Name == "" {
			return nil, fmt.Errorf("capability %d has no name", i)
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("capability %q registered twice", c.Name)
		}
		if c.Cost < 0 {
			return nil, fmt.Errorf("capability %q has negative cost %d", c.Name, c.Cost)
		}
		if c.MinLevel < 0 || c.MinLevel > 3 {
			return nil, fmt.Errorf("capability %q has min level %d outside 0..3", c.Name, c.MinLevel)
		}
		if c.Disabled && c.DisabledReason == "" {
			c.DisabledReason = ReasonDisabled
		}
		r.byName[c.Name] = i
		r.ordered = append(r.ordered, c)
	}
	for _, c := range r.ordered {
		for _, dep := range c.Requires.Executed {
			if _, ok := r.byName[dep]; !ok {
				return nil, fmt.Errorf("capability %q requires unknown capability %q", c.Name, dep)
			}
		}
	}
	return r, nil
}

// Ordered returns the capabilities in registration order.
func (r *Registry) Ordered() []Capability {
	out := make([]Capability, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get looks a capability up by name.
func (r *Registry) Get(name string) (Capability, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Capability{}, false
	}
	return r.ordered[i], true
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int { return len(r.ordered) }

// Eligible evaluates a capability's declared preconditions against the
// view. It returns false with the reason that blocks it; the first failing
// gate wins, checked in a fixed order so reasons are deterministic.
func (r *Registry) Eligible(c Capability, v View) (bool, string) {
	if c.Disabled {
		return false, c.DisabledReason
	}
	if v.Executed[c.Name] && !c.Idempotent {
		return false, ReasonAlreadyExecuted
	}
	if c.MinLevel > v.Level {
		return false, ReasonEscalationLevel
	}
	for _, dep := range c.Requires.Executed {
		if !v.Executed[dep] {
			return false, ReasonRequiresCapability
		}
	}
	if c.Requires.NeedsAnalyzerJSON && !v.AnalyzerJSON {
		return false, ReasonAnalyzerJSONMissing
	}
	if c.Requires.MinFindings > 0 && v.FindingCount < c.Requires.MinFindings {
		return false, ReasonNoFindings
	}
	if c.Requires.MinSignalScore > 0 {
		signalOK := v.SignalScore >= c.Requires.MinSignalScore
		graphOK := c.Requires.MinGraphScore > 0 && v.GraphScore >= c.Requires.MinGraphScore
		if !signalOK && !graphOK {
			return false, ReasonThresholdNotMet
		}
	}
	if c.Requires.TopConfidence != "" && v.TopConfidence.Rank() < c.Requires.TopConfidence.Rank() {
		return false, ReasonInsufficientEvidence
	}
	if c.Requires.RequireRepro && !v.TopHasRepro {
		return false, ReasonInsufficientEvidence
	}
	if c.Requires.MinRemainingBudget > 0 && v.RemainingBudget-c.Cost < c.Requires.MinRemainingBudget {
		return false, ReasonInsufficientBudget
	}
	return true, ""
}

// Defaults returns the stock capability declarations. Costs and gates are
// ordinary configuration; callers may override them wholesale from file.
func Defaults() []Capability {
	return []Capability{
		{Name: StaticScan, Cost: 1, MinLevel: 0, Idempotent: true},
		{Name: GraphAnalysis, Cost: 1, MinLevel: 1, Idempotent: true, Requires: Requirement{
			Executed:          []string{StaticScan},
			NeedsAnalyzerJSON: true,
		}},
		{Name: SoloditLookup, Cost: 1, MinLevel: 1, Idempotent: true, Requires: Requirement{
			MinFindings: 1,
		}},
		{Name: FuzzAgent, Cost: 2, MinLevel: 2, Idempotent: false, Requires: Requirement{
			MinSignalScore: 1,
			MinGraphScore:  1,
		}},
		{Name: ProofAgent, Cost: 1, MinLevel: 2, Idempotent: false, Requires: Requirement{
			MinFindings: 1,
		}},
		{Name: RepairAgent, Cost: 2, MinLevel: 3, Idempotent: false, Requires: Requirement{
			MinFindings:        1,
			TopConfidence:      finding.ConfidenceHigh,
			RequireRepro:       true,
			MinRemainingBudget: 1,
		}},
		{Name: LLMSynthesis, Cost: 2, MinLevel: 3, Idempotent: false, Requires: Requirement{
			MinFindings: 1,
		}},
	}
}

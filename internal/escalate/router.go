// Package escalate implements the 4-level escalation state machine. Level
// transitions are driven purely by accumulated finding evidence through a
// declarative threshold table, so policy changes never touch code.
package escalate

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"warden/internal/capability"
	"warden/internal/finding"
)

// MaxLevel is the deepest escalation level.
const MaxLevel = 3

// Trigger is one way to satisfy a transition. A trigger fires when every
// field it sets is met; zero fields are unconstrained.
type Trigger struct {
	// MinHigh counts findings at high severity or above.
	MinHigh int `yaml:"min_high,omitempty" json:"min_high,omitempty"`
	// MinCritical counts critical findings regardless of confidence.
	MinCritical int `yaml:"min_critical,omitempty" json:"min_critical,omitempty"`
	// MinCriticalHighConfidence counts critical findings backed by high
	// confidence.
	MinCriticalHighConfidence int `yaml:"min_critical_high_confidence,omitempty" json:"min_critical_high_confidence,omitempty"`
}

func (t Trigger) empty() bool {
	return t.MinHigh == 0 && t.MinCritical == 0 && t.MinCriticalHighConfidence == 0
}

func (t Trigger) satisfied(tally Tally) bool {
	if t.MinHigh > 0 && tally.High < t.MinHigh {
		return false
	}
	if t.MinCritical > 0 && tally.Critical < t.MinCritical {
		return false
	}
	if t.MinCriticalHighConfidence > 0 && tally.CriticalHighConfidence < t.MinCriticalHighConfidence {
		return false
	}
	return true
}

// Rule advances From to From+1 when any of its triggers is satisfied.
type Rule struct {
	From int       `yaml:"from" json:"from"`
	Any  []Trigger `yaml:"any" json:"any"`
}

// Table is the full transition table, one rule per source level.
type Table []Rule

// DefaultTable escalates on severity evidence: one high finding opens
// level 1, two highs or a critical open level 2, a high-confidence
// critical opens level 3.
func DefaultTable() Table {
	return Table{
		{From: 0, Any: []Trigger{{MinHigh: 1}}},
		{From: 1, Any: []Trigger{{MinHigh: 2}, {MinCritical: 1}}},
		{From: 2, Any: []Trigger{{MinCriticalHighConfidence: 1}}},
	}
}

// Tally is the severity evidence a transition is judged against.
type Tally struct {
	High                   int
	Critical               int
	CriticalHighConfidence int
}

// Measure tallies escalation evidence over the accumulated findings.
func Measure(findings []finding.Finding) Tally {
	var t Tally
	for _, f := range findings {
		if f.Severity.Rank() >= finding.SeverityHigh.Rank() {
			t.High++
		}
		if f.Severity == finding.SeverityCritical {
			t.Critical++
			if f.Confidence == finding.ConfidenceHigh {
				t.CriticalHighConfidence++
			}
		}
	}
	return t
}

// Block records why a capability was not eligible this iteration.
type Block struct {
	Name   string
	Cost   int
	Reason string
}

// Router owns the current escalation level. It is not safe for concurrent
// use; the kernel serializes all state mutation behind one writer.
type Router struct {
	rules  map[int]Rule
	level  int
	logger *zap.Logger
}

// NewRouter validates the transition table and starts at level 0.
func NewRouter(table Table, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules := make(map[int]Rule, len(table))
	for _, rule := range table {
		if rule.From < 0 || rule.From >= MaxLevel {
			return nil, fmt.Errorf("escalation rule from level %d outside 0..%d", rule.From, MaxLevel-1)
		}
		if _, dup := rules[rule.From]; dup {
			return nil, fmt.Errorf("duplicate escalation rule for level %d", rule.From)
		}
		if len(rule.Any) == 0 {
			return nil, fmt.Errorf("escalation rule for level %d has no triggers", rule.From)
		}
		for _, trig := range rule.Any {
			if trig.empty() {
				return nil, fmt.Errorf("escalation rule for level %d has an unconditional trigger", rule.From)
			}
		}
		rules[rule.From] = rule
	}
	return &Router{rules: rules, logger: logger}, nil
}

// Level returns the current escalation level.
func (r *Router) Level() int { return r.level }

// Restore sets the level from a resumed run. Levels outside 0..MaxLevel or
// below the current level are rejected; de-escalation never happens.
func (r *Router) Restore(level int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("escalation level %d outside 0..%d", level, MaxLevel)
	}
	if level < r.level {
		return fmt.Errorf("escalation level cannot decrease from %d to %d", r.level, level)
	}
	r.level = level
	return nil
}

// Observe re-evaluates the level against fresh evidence, applying as many
// transitions as the evidence supports in one pass. Returns the level
// before and after; the level never decreases.
func (r *Router) Observe(tally Tally) (from, to int) {
	from = r.level
	for r.level < MaxLevel {
		rule, ok := r.rules[r.level]
		if !ok {
			break
		}
		fired := false
		for _, trig := range rule.Any {
			if trig.satisfied(tally) {
				fired = true
				break
			}
		}
		if !fired {
			break
		}
		r.level++
	}
	if r.level != from {
		r.logger.Info("escalation level advanced",
			zap.Int("from", from),
			zap.Int("to", r.level),
			zap.Int("high_findings", tally.High),
			zap.Int("critical_findings", tally.Critical),
		)
	}
	return from, r.level
}

// NextEligible orders every registered capability by ascending declared
// cost, then registration order, and splits the set into eligible
// capabilities and blocked ones with reasons. The view's level field is
// overridden with the router's own level.
func (r *Router) NextEligible(reg *capability.Registry, v capability.View) ([]capability.Capability, []Block) {
	v.Level = r.level
	ordered := reg.Ordered()
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Cost < ordered[j].Cost
	})

	var eligible []capability.Capability
	var blocked []Block
	for _, c := range ordered {
		ok, reason := reg.Eligible(c, v)
		if ok {
			eligible = append(eligible, c)
			continue
		}
		blocked = append(blocked, Block{Name: c.Name, Cost: c.Cost, Reason: reason})
	}
	return eligible, blocked
}

// CheapestCost returns the lowest declared cost among capabilities whose
// minimum level is above the router's current level, and false when no such
// capability exists. The kernel uses it to decide whether escalation could
// still unlock work the budget can pay for.
func (r *Router) CheapestCost(reg *capability.Registry) (int, bool) {
	cheapest := 0
	found := false
	for _, c := range reg.Ordered() {
		if c.MinLevel <= r.level || c.Disabled {
			continue
		}
		if !found || c.Cost < cheapest {
			cheapest = c.Cost
			found = true
		}
	}
	return cheapest, found
}

package kernel

import (
	"fmt"

	"warden/internal/escalate"
	"warden/internal/runstore"
)

// ValidateRun checks the structural invariants every finished run must
// hold. Violations do not stop the state from being persisted or
// reported; they flip the run to failed_invariant so downstream tooling
// treats it as untrustworthy.
func ValidateRun(s *runstore.RunState) []string {
	var errs []string

	if s.Budget.Cap <= 0 {
		errs = append(errs, fmt.Sprintf("budget cap %d is not positive", s.Budget.Cap))
	}
	if s.Budget.Spent < 0 {
		errs = append(errs, fmt.Sprintf("budget spent %d is negative", s.Budget.Spent))
	}
	if s.Budget.Spent > s.Budget.Cap {
		errs = append(errs, fmt.Sprintf("budget spent %d exceeds cap %d", s.Budget.Spent, s.Budget.Cap))
	}
	if s.Budget.Spent < s.Budget.LastSpent {
		errs = append(errs, fmt.Sprintf("budget spent %d regressed below prior %d", s.Budget.Spent, s.Budget.LastSpent))
	}

	if s.EscalationLevel < 0 || s.EscalationLevel > escalate.MaxLevel {
		errs = append(errs, fmt.Sprintf("escalation level %d outside 0..%d", s.EscalationLevel, escalate.MaxLevel))
	}
	if s.EscalationLevel < s.LastEscalationLevel {
		errs = append(errs, fmt.Sprintf("escalation level %d regressed below prior %d", s.EscalationLevel, s.LastEscalationLevel))
	}

	// Spend must be accounted for: the executions on the books explain
	// every consumed unit except what was burned by terminal runtime
	// skips, whose cost is carried in their evidence.
	spent := 0
	for i, e := range s.Executions {
		if e.Capability == "" {
			errs = append(errs, fmt.Sprintf("execution %d has no capability name", i))
		}
		if e.Outcome != runstore.OutcomeSuccess && e.Outcome != runstore.OutcomeFailed {
			errs = append(errs, fmt.Sprintf("execution %d (%s) has unknown outcome %q", i, e.Capability, e.Outcome))
		}
		if e.Cost < 0 {
			errs = append(errs, fmt.Sprintf("execution %d (%s) has negative cost %d", i, e.Capability, e.Cost))
		}
		spent += e.Cost
	}
	for i, rec := range s.Skipped {
		if rec.Capability == "" {
			errs = append(errs, fmt.Sprintf("skip record %d has no capability name", i))
		}
		if rec.Reason == "" {
			errs = append(errs, fmt.Sprintf("skip record %d (%s) has no reason", i, rec.Capability))
		}
		if rec.Terminal {
			if cost, ok := rec.Evidence["authorized_cost"]; ok {
				switch v := cost.(type) {
				case int:
					spent += v
				case float64:
					spent += int(v)
				}
			}
		}
	}
	if spent > s.Budget.Spent {
		errs = append(errs, fmt.Sprintf("recorded work cost %d exceeds budget spent %d", spent, s.Budget.Spent))
	}

	for i, f := range s.Findings {
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("finding %d: %v", i, err))
		}
	}

	return errs
}

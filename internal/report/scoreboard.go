package report

import (
	"fmt"
	"strings"

	"warden/internal/aggregate"
	"warden/internal/runstore"
)

// scoreboardTop caps how many findings the scoreboard table shows.
const scoreboardTop = 5

// Scoreboard summarizes one run for the terminal.
func Scoreboard(state *runstore.RunState, ranked []aggregate.RankedFinding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Warden Scoreboard: %s\n\n", state.RunID)

	status := state.Status
	if state.HaltReason != "" {
		status += " (" + state.HaltReason + ")"
	}
	fmt.Fprintf(&b, "- Target: `%s`\n", state.Target)
	fmt.Fprintf(&b, "- Status: %s\n", status)
	fmt.Fprintf(&b, "- Budget: %d/%d units spent\n", state.Budget.Spent, state.Budget.Cap)
	fmt.Fprintf(&b, "- Escalation level: %d\n", state.EscalationLevel)
	fmt.Fprintf(&b, "- Findings: %d (high or above: %d, critical: %d)\n",
		len(state.Findings), state.HighCount(), state.CriticalCount())
	if state.HumanReview {
		b.WriteString("- Human review: required\n")
	}
	b.WriteString("\n")

	if len(ranked) == 0 {
		b.WriteString("No findings.\n")
		return b.String()
	}
	top := ranked
	if len(top) > scoreboardTop {
		top = top[:scoreboardTop]
	}
	b.WriteString("| rank | score | severity | tool | category | description |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, rf := range top {
		fmt.Fprintf(&b, "| %d | %d | %s | %s | %s | %s |\n",
			rf.Rank, rf.Score, rf.Severity, rf.Tool, rf.Category, cell(rf.Description))
	}
	return b.String()
}

// ScoreList renders the cataloged runs across targets.
func ScoreList(entries []runstore.CatalogEntry) string {
	var b strings.Builder
	b.WriteString("# Warden Runs\n\n")
	if len(entries) == 0 {
		b.WriteString("No cataloged runs.\n")
		return b.String()
	}
	b.WriteString("| run | target | status | findings | high | critical | top score |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %d | %d | %d |\n",
			e.RunID, cell(e.Target), e.Status, e.FindingCount, e.HighCount, e.CriticalCount, e.TopScore)
	}
	return b.String()
}

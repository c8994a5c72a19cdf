// Package report renders a run record into the markdown audit report and
// the terminal tables for score, trend, and diff output. Rendering is
// deterministic: the same state always produces the same bytes, which is
// what lets replay re-render a report without touching the record.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"warden/internal/aggregate"
	"warden/internal/runstore"
)

// Artifact is the report's basename inside a run's artifacts directory.
const Artifact = "report.md"

// synthesisDisclaimer opens the LLM section so nobody mistakes generated
// prose for tool evidence.
const synthesisDisclaimer = "_This section is heuristic synthesis, not evidence._"

var recommendations = map[string]string{
	"reentrancy":              "Apply the checks-effects-interactions pattern and add reentrancy guards on state-changing external functions.",
	"unchecked_return":        "Check and handle every external call's return value, or use a safe wrapper that reverts on failure.",
	"dangerous_call":          "Restrict delegatecall and low-level call targets to vetted addresses; never let callers control the destination.",
	"fuzz_failure":            "Reproduce the failing property with the recorded seed and fix the violated invariant before release.",
	"todo_marker":             "Resolve outstanding TODO/FIXME markers; unfinished code paths ship bugs.",
	"call_graph_cycle":        "Break the call cycle or prove it bounded; recursive paths complicate reasoning about intermediate state.",
	"privileged_entrypoint":   "Review privileged entry points for least privilege; consider timelocks or multisig on owner actions.",
	"sensitive_external_call": "Audit external calls reachable from privileged entry points and interpose allowlists where possible.",
}

// Render produces the full markdown audit report for a finished (or
// halted) run.
func Render(state *runstore.RunState, ranked []aggregate.RankedFinding) string {
	var b strings.Builder

	b.WriteString("# Warden Audit Report\n\n")
	fmt.Fprintf(&b, "- Run: `%s`\n", state.RunID)
	fmt.Fprintf(&b, "- Target: `%s`\n", state.Target)
	status := state.Status
	if state.HaltReason != "" {
		status += " (" + state.HaltReason + ")"
	}
	fmt.Fprintf(&b, "- Status: %s\n", status)
	fmt.Fprintf(&b, "- Budget: %d/%d units spent\n", state.Budget.Spent, state.Budget.Cap)
	fmt.Fprintf(&b, "- Escalation level: %d\n", state.EscalationLevel)
	if state.HumanReview {
		b.WriteString("- Human review: required\n")
	}
	if !state.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", state.StartedAt.UTC().Format(time.RFC3339))
	}
	if !state.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- Finished: %s\n", state.FinishedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	writeFindingsSection(&b, state)
	writeEvidenceSection(&b, state)
	writeRecommendationsSection(&b, state)
	writeRankedSection(&b, ranked)
	writeCapabilitiesSections(&b, state)
	writeSynthesisSection(&b, state)
	writeErrorsSection(&b, state)

	return b.String()
}

// Write renders the report and stores it as report.md in the artifacts
// directory, returning the path.
func Write(state *runstore.RunState, ranked []aggregate.RankedFinding, artifactsDir string) (string, error) {
	path := filepath.Join(artifactsDir, Artifact)
	if err := os.WriteFile(path, []byte(Render(state, ranked)), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func writeFindingsSection(b *strings.Builder, state *runstore.RunState) {
	b.WriteString("## Findings\n\n")
	fmt.Fprintf(b, "Total: %d (high or above: %d, critical: %d)\n\n",
		len(state.Findings), state.HighCount(), state.CriticalCount())
	if len(state.Signals) > 0 {
		b.WriteString("Signal counts:\n\n")
		for _, cat := range sortedKeys(state.Signals) {
			fmt.Fprintf(b, "- %s: %d\n", cat, state.Signals[cat])
		}
		b.WriteString("\n")
	}
}

func writeEvidenceSection(b *strings.Builder, state *runstore.RunState) {
	b.WriteString("## Evidence\n\n")
	seen := map[string]bool{}
	any := false
	for _, exec := range state.Executions {
		for _, p := range exec.ArtifactPaths {
			if seen[p] {
				continue
			}
			seen[p] = true
			any = true
			fmt.Fprintf(b, "- `%s` (%s)\n", p, exec.Capability)
		}
	}
	if !any {
		b.WriteString("No artifacts recorded.\n")
	}
	b.WriteString("\n")
}

func writeRecommendationsSection(b *strings.Builder, state *runstore.RunState) {
	b.WriteString("## Recommendations\n\n")
	cats := map[string]bool{}
	for _, f := range state.Findings {
		cats[f.Category] = true
	}
	if len(cats) == 0 {
		b.WriteString("No findings, nothing to recommend.\n\n")
		return
	}
	for _, cat := range sortedKeys(cats) {
		text, ok := recommendations[cat]
		if !ok {
			if strings.HasPrefix(cat, "heuristic:") {
				text = "Compare against the referenced public disclosures before dismissing the match."
			} else {
				text = "Review these findings manually."
			}
		}
		fmt.Fprintf(b, "- **%s**: %s\n", cat, text)
	}
	b.WriteString("\n")
}

func writeRankedSection(b *strings.Builder, ranked []aggregate.RankedFinding) {
	b.WriteString("## Ranked Findings\n\n")
	if len(ranked) == 0 {
		b.WriteString("None.\n\n")
		return
	}
	b.WriteString("| rank | score | severity | confidence | tool | category | location | description |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, rf := range ranked {
		loc := rf.Location.String()
		if loc == "" {
			loc = "-"
		}
		fmt.Fprintf(b, "| %d | %d | %s | %s | %s | %s | %s | %s |\n",
			rf.Rank, rf.Score, rf.Severity, rf.Confidence, rf.Tool, rf.Category,
			cell(loc), cell(rf.Description))
	}
	b.WriteString("\n")
}

func writeCapabilitiesSections(b *strings.Builder, state *runstore.RunState) {
	b.WriteString("## Capabilities Executed\n\n")
	if len(state.Executions) == 0 {
		b.WriteString("None.\n")
	} else {
		lines := make([]string, 0, len(state.Executions))
		for _, exec := range state.Executions {
			entry := fmt.Sprintf("- %s (%s)", exec.Capability, exec.Outcome)
			if exec.Failure != nil {
				entry += ": " + exec.Failure.Diagnostic
			}
			lines = append(lines, entry)
		}
		sort.Strings(lines)
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\n## Capabilities Skipped\n\n")
	if len(state.Skipped) == 0 {
		b.WriteString("None.\n")
	} else {
		lines := make([]string, 0, len(state.Skipped))
		for _, rec := range state.Skipped {
			lines = append(lines, fmt.Sprintf("- %s (%s)", rec.Capability, rec.Reason))
		}
		sort.Strings(lines)
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeSynthesisSection(b *strings.Builder, state *runstore.RunState) {
	if state.Synthesis.Status == "" {
		return
	}
	b.WriteString("## LLM Synthesis\n\n")
	b.WriteString(synthesisDisclaimer + "\n\n")
	switch state.Synthesis.Status {
	case "success":
		b.WriteString(state.Synthesis.Summary + "\n")
		if state.Synthesis.Model != "" {
			fmt.Fprintf(b, "\nModel: %s (%s)\n", state.Synthesis.Model, state.Synthesis.Source)
		}
	default:
		fmt.Fprintf(b, "Synthesis status: %s.\n", state.Synthesis.Status)
	}
	b.WriteString("\n")
}

func writeErrorsSection(b *strings.Builder, state *runstore.RunState) {
	if len(state.InvariantErrors) == 0 {
		return
	}
	b.WriteString("## Errors\n\n")
	b.WriteString("The run record failed invariant validation:\n\n")
	for _, msg := range state.InvariantErrors {
		fmt.Fprintf(b, "- %s\n", msg)
	}
	b.WriteString("\n")
}

// cell makes a string safe inside a markdown table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
